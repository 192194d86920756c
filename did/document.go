package did

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// JSON-LD contexts of the documents produced here.
const (
	ContextDIDv1              = "https://www.w3.org/ns/did/v1"
	ContextSecp256k1Recovery  = "https://w3id.org/security/suites/secp256k1recovery-2020/v2"
	TypeSecp256k1Recovery2020 = "EcdsaSecp256k1RecoveryMethod2020"
)

// VerificationMethod is a key or account that can prove control of a DID.
type VerificationMethod struct {
	ID                  string `json:"id"`
	Type                string `json:"type"`
	Controller          string `json:"controller"`
	BlockchainAccountID string `json:"blockchainAccountId,omitempty"`
	PublicKeyHex        string `json:"publicKeyHex,omitempty"`
}

// Service is a service endpoint entry.
type Service struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	ServiceEndpoint interface{} `json:"serviceEndpoint"`
}

// Document is a W3C DID document.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller,omitempty"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []string             `json:"authentication,omitempty"`
	AssertionMethod    []string             `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// AccountIDs returns the CAIP-10 account ids of the document's
// verification methods.
func (d *Document) AccountIDs() []string {
	var out []string
	for _, vm := range d.VerificationMethod {
		if vm.BlockchainAccountID != "" {
			out = append(out, vm.BlockchainAccountID)
		}
	}
	return out
}

// ResolutionMetadata reports how a resolution went. Error holds one of the
// DID-core error codes when it failed.
type ResolutionMetadata struct {
	ContentType string `json:"contentType,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// DocumentMetadata describes the resolved document.
type DocumentMetadata struct {
	Deactivated bool   `json:"deactivated,omitempty"`
	Deployed    *bool  `json:"deployed,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// ResolutionResult is the output of DID resolution.
type ResolutionResult struct {
	DIDResolutionMetadata ResolutionMetadata `json:"didResolutionMetadata"`
	DIDDocument           *Document          `json:"didDocument"`
	DIDDocumentMetadata   DocumentMetadata   `json:"didDocumentMetadata"`
}

// Resolver resolves one DID method.
type Resolver interface {
	Resolve(ctx context.Context, id DID) (*Document, DocumentMetadata, error)
}

// Registry dispatches resolution by DID method.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: map[string]Resolver{}}
}

// Register installs the resolver for method, replacing any previous one.
func (r *Registry) Register(method string, resolver Resolver) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[method] = resolver
	return r
}

// Methods lists the registered methods.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for m := range r.resolvers {
		out = append(out, m)
	}
	return out
}

// Resolve resolves raw. The result is always non-nil; on failure its
// metadata carries the error code and the error is returned as well.
func (r *Registry) Resolve(ctx context.Context, raw string) (*ResolutionResult, error) {
	result := &ResolutionResult{}

	id, err := Parse(raw)
	if err != nil {
		result.DIDResolutionMetadata = errorMetadata(err)
		return result, err
	}

	r.mu.RLock()
	resolver, ok := r.resolvers[id.Method]
	r.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnsupportedMethod, id.Method)
		result.DIDResolutionMetadata = errorMetadata(err)
		return result, err
	}

	doc, meta, err := resolver.Resolve(ctx, id)
	if err != nil {
		result.DIDResolutionMetadata = errorMetadata(err)
		return result, err
	}
	result.DIDResolutionMetadata = ResolutionMetadata{ContentType: "application/did+ld+json"}
	result.DIDDocument = doc
	result.DIDDocumentMetadata = meta
	return result, nil
}

func errorMetadata(err error) ResolutionMetadata {
	code := "internalError"
	switch {
	case errors.Is(err, ErrInvalidDID):
		code = "invalidDid"
	case errors.Is(err, ErrUnsupportedMethod):
		code = "unsupportedDidMethod"
	case errors.Is(err, ErrNotFound):
		code = "notFound"
	}
	return ResolutionMetadata{Error: code, Message: err.Error()}
}

// accountDocument is the document shape shared by did:ethr, did:pkh and did:aa:
// one recovery method for the CAIP-10 account, used for authentication and
// assertions.
func accountDocument(id DID, controllerAccount string) *Document {
	vmID := id.Raw + "#controller"
	account := id.BlockchainAccountID()
	if controllerAccount != "" {
		account = controllerAccount
	}
	return &Document{
		Context: []string{ContextDIDv1, ContextSecp256k1Recovery},
		ID:      id.Raw,
		VerificationMethod: []VerificationMethod{{
			ID:                  vmID,
			Type:                TypeSecp256k1Recovery2020,
			Controller:          id.Raw,
			BlockchainAccountID: account,
		}},
		Authentication:  []string{vmID},
		AssertionMethod: []string{vmID},
	}
}
