// Package credential issues and verifies W3C verifiable credentials and
// presentations with EthereumEip712Signature2021 proofs. Proofs are produced
// by any TypedDataSigner, so smart accounts sign through their owner and are
// verified with ERC-1271.
package credential

import (
	"errors"
	"time"

	"github.com/mcpagents/aa-subscriber/evm"
)

const (
	// ContextCredentialsV1 is the W3C VC data model v1 context
	ContextCredentialsV1 = "https://www.w3.org/2018/credentials/v1"

	TypeVerifiableCredential   = "VerifiableCredential"
	TypeVerifiablePresentation = "VerifiablePresentation"

	// ProofTypeEIP712 is the only proof suite supported
	ProofTypeEIP712 = "EthereumEip712Signature2021"

	PurposeAssertion      = "assertionMethod"
	PurposeAuthentication = "authentication"

	// DomainName and DomainVersion form the EIP-712 domain together with the
	// chain id of the signer's DID.
	DomainName    = "VerifiableCredential"
	DomainVersion = "1"

	// timeLayout matches JavaScript's Date.toISOString
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrNoProof          = errors.New("document has no proof")
	ErrUnsupportedProof = errors.New("unsupported proof type")
	ErrSignerMismatch   = errors.New("signer does not control the DID")
	ErrChallenge        = errors.New("presentation challenge mismatch")
	ErrDomain           = errors.New("presentation domain mismatch")
	ErrExpired          = errors.New("credential expired")
)

// Issuer identifies the credential issuer.
type Issuer struct {
	ID string `json:"id"`
}

// EIP712 records the typed-data parameters a proof was produced with.
type EIP712 struct {
	Domain      evm.TypedDataDomain             `json:"domain"`
	Types       map[string][]evm.TypedDataField `json:"types"`
	PrimaryType string                          `json:"primaryType"`
}

// Proof is an EthereumEip712Signature2021 proof.
type Proof struct {
	Type               string  `json:"type"`
	Created            string  `json:"created"`
	ProofPurpose       string  `json:"proofPurpose"`
	VerificationMethod string  `json:"verificationMethod"`
	Challenge          string  `json:"challenge,omitempty"`
	Domain             string  `json:"domain,omitempty"`
	ProofValue         string  `json:"proofValue,omitempty"`
	EIP712             *EIP712 `json:"eip712,omitempty"`
}

// Credential is a W3C v1 verifiable credential.
type Credential struct {
	Context           []string               `json:"@context"`
	ID                string                 `json:"id,omitempty"`
	Type              []string               `json:"type"`
	Issuer            Issuer                 `json:"issuer"`
	IssuanceDate      string                 `json:"issuanceDate"`
	ExpirationDate    string                 `json:"expirationDate,omitempty"`
	CredentialSubject map[string]interface{} `json:"credentialSubject"`
	Proof             *Proof                 `json:"proof,omitempty"`
}

// Subject returns the credential subject id.
func (c Credential) Subject() string {
	id, _ := c.CredentialSubject["id"].(string)
	return id
}

// Expired reports whether the credential has an expiration date before now.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpirationDate == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, c.ExpirationDate)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// Presentation is a W3C v1 verifiable presentation.
type Presentation struct {
	Context              []string     `json:"@context"`
	ID                   string       `json:"id,omitempty"`
	Type                 []string     `json:"type"`
	Holder               string       `json:"holder"`
	IssuanceDate         string       `json:"issuanceDate,omitempty"`
	VerifiableCredential []Credential `json:"verifiableCredential"`
	Proof                *Proof       `json:"proof,omitempty"`
}

// VerificationResult is the outcome of verifying a credential or presentation.
type VerificationResult struct {
	Verified bool   `json:"verified"`
	Signer   string `json:"signer,omitempty"`
	Error    string `json:"error,omitempty"`

	// Credentials holds the results for credentials embedded in a presentation
	Credentials []VerificationResult `json:"credentials,omitempty"`
}

func failed(signer string, err error) *VerificationResult {
	return &VerificationResult{Verified: false, Signer: signer, Error: err.Error()}
}
