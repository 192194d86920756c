package credential

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationResult reports structural validation of a document.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

const proofSchema = `{
	"type": "object",
	"required": ["type", "created", "proofPurpose", "verificationMethod"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"created": {"type": "string", "format": "date-time"},
		"proofPurpose": {"type": "string", "enum": ["assertionMethod", "authentication"]},
		"verificationMethod": {"type": "string", "pattern": "^did:"},
		"challenge": {"type": "string"},
		"domain": {"type": "string"},
		"proofValue": {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"}
	}
}`

var credentialSchema = gojsonschema.NewStringLoader(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["@context", "type", "issuer", "issuanceDate", "credentialSubject", "proof"],
	"properties": {
		"@context": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"},
			"contains": {"const": "https://www.w3.org/2018/credentials/v1"}
		},
		"id": {"type": "string"},
		"type": {
			"type": "array",
			"items": {"type": "string"},
			"contains": {"const": "VerifiableCredential"}
		},
		"issuer": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "string", "pattern": "^did:"}}
		},
		"issuanceDate": {"type": "string", "format": "date-time"},
		"expirationDate": {"type": "string", "format": "date-time"},
		"credentialSubject": {"type": "object", "minProperties": 1},
		"proof": ` + proofSchema + `
	}
}`)

var presentationSchema = gojsonschema.NewStringLoader(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["@context", "type", "holder", "verifiableCredential", "proof"],
	"properties": {
		"@context": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"},
			"contains": {"const": "https://www.w3.org/2018/credentials/v1"}
		},
		"id": {"type": "string"},
		"type": {
			"type": "array",
			"items": {"type": "string"},
			"contains": {"const": "VerifiablePresentation"}
		},
		"holder": {"type": "string", "pattern": "^did:"},
		"issuanceDate": {"type": "string", "format": "date-time"},
		"verifiableCredential": {"type": "array", "items": {"type": "object"}},
		"proof": ` + proofSchema + `
	}
}`)

// ValidateCredential checks the structure of a credential against the VC
// data model.
func ValidateCredential(vc Credential) ValidationResult {
	return validate(credentialSchema, vc)
}

// ValidatePresentation checks the structure of a presentation.
func ValidatePresentation(vp Presentation) ValidationResult {
	return validate(presentationSchema, vp)
}

func validate(schema gojsonschema.JSONLoader, doc interface{}) ValidationResult {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Failed to marshal document: %v", err)},
		}
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Schema validation failed: %v", err)},
		}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Valid: false, Errors: errors}
}
