// Package agent is the subscriber's identity agent: it keeps the imported
// DIDs and keys, resolves DIDs and issues or verifies credentials and
// presentations for smart-account (ERC-1271) signers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpagents/aa-subscriber/credential"
	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
)

var (
	ErrUnknownIdentifier = errors.New("identifier not managed by this agent")
	ErrInvalidKey        = errors.New("invalid key")
)

// Key is a key reference held by a key management system. Smart-account keys
// carry no key material; signing goes through the account owner.
type Key struct {
	KID          string                 `json:"kid"`
	KMS          string                 `json:"kms"`
	Type         string                 `json:"type"`
	PublicKeyHex string                 `json:"publicKeyHex"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// Identifier is a DID managed by the agent.
type Identifier struct {
	DID        string `json:"did"`
	Provider   string `json:"provider"`
	Alias      string `json:"alias,omitempty"`
	Keys       []Key  `json:"keys"`
	Controller string `json:"controllerKeyId,omitempty"`
}

// Agent is safe for concurrent use.
type Agent struct {
	mu          sync.RWMutex
	identifiers map[string]Identifier
	keys        map[string]Key

	resolver *did.Registry
	verifier *credential.Verifier
	logger   *zap.Logger
	issueOps []credential.Option
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithIssueOptions applies opts to every credential and presentation issued.
func WithIssueOptions(opts ...credential.Option) Option {
	return func(a *Agent) {
		a.issueOps = append(a.issueOps, opts...)
	}
}

// WithVerifier replaces the default verifier.
func WithVerifier(v *credential.Verifier) Option {
	return func(a *Agent) {
		a.verifier = v
	}
}

// New returns an agent resolving through resolver and verifying
// contract-account signatures through backend.
func New(resolver *did.Registry, backend evm.Backend, opts ...Option) *Agent {
	a := &Agent{
		identifiers: map[string]Identifier{},
		keys:        map[string]Key{},
		resolver:    resolver,
		verifier:    credential.NewVerifier(backend),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DIDManagerImport stores identifier, replacing one with the same DID.
func (a *Agent) DIDManagerImport(ctx context.Context, identifier Identifier) (Identifier, error) {
	if _, err := did.Parse(identifier.DID); err != nil {
		return Identifier{}, err
	}
	if identifier.Keys == nil {
		identifier.Keys = []Key{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range identifier.Keys {
		a.keys[k.KID] = k
	}
	a.identifiers[identifier.DID] = identifier
	a.logger.Debug("Imported identifier",
		zap.String("did", identifier.DID),
		zap.String("provider", identifier.Provider),
		zap.String("alias", identifier.Alias))
	return identifier, nil
}

// DIDManagerGet returns a managed identifier.
func (a *Agent) DIDManagerGet(ctx context.Context, id string) (Identifier, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	identifier, ok := a.identifiers[id]
	if !ok {
		return Identifier{}, fmt.Errorf("%w: %s", ErrUnknownIdentifier, id)
	}
	return identifier, nil
}

// DIDManagerFind lists managed identifiers, optionally filtered by provider.
func (a *Agent) DIDManagerFind(ctx context.Context, provider string) []Identifier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Identifier
	for _, identifier := range a.identifiers {
		if provider == "" || identifier.Provider == provider {
			out = append(out, identifier)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// KeyManagerImport stores a key reference.
func (a *Agent) KeyManagerImport(ctx context.Context, key Key) (Key, error) {
	if key.KID == "" {
		return Key{}, fmt.Errorf("%w: kid is required", ErrInvalidKey)
	}
	if key.KMS == "" {
		return Key{}, fmt.Errorf("%w: kms is required", ErrInvalidKey)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key.KID] = key
	return key, nil
}

// KeyManagerGet returns a stored key reference.
func (a *Agent) KeyManagerGet(ctx context.Context, kid string) (Key, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.keys[kid]
	if !ok {
		return Key{}, fmt.Errorf("%w: key %s", ErrUnknownIdentifier, kid)
	}
	return key, nil
}

// ResolveDID resolves didURL. The result is returned even on failure with
// the error code in its metadata.
func (a *Agent) ResolveDID(ctx context.Context, didURL string) (*did.ResolutionResult, error) {
	result, err := a.resolver.Resolve(ctx, didURL)
	if err != nil {
		a.logger.Warn("DID resolution failed", zap.String("did", didURL), zap.Error(err))
	}
	return result, err
}

// CreateVerifiableCredentialEIP1271 issues a credential signed by signer on
// behalf of the (managed) issuer DID.
func (a *Agent) CreateVerifiableCredentialEIP1271(ctx context.Context, vc credential.Credential, signer evm.TypedDataSigner) (*credential.Credential, error) {
	if _, err := a.DIDManagerGet(ctx, vc.Issuer.ID); err != nil {
		return nil, err
	}
	issued, err := credential.IssueCredential(ctx, signer, vc, a.issueOps...)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Issued verifiable credential",
		zap.String("id", issued.ID),
		zap.String("issuer", issued.Issuer.ID),
		zap.String("subject", issued.Subject()))
	return issued, nil
}

// VerifyCredentialEIP1271 verifies a credential proof.
func (a *Agent) VerifyCredentialEIP1271(ctx context.Context, vc credential.Credential) (*credential.VerificationResult, error) {
	result, err := a.verifier.VerifyCredential(ctx, vc)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Verified verifiable credential",
		zap.String("id", vc.ID),
		zap.Bool("verified", result.Verified),
		zap.String("error", result.Error))
	return result, nil
}

// PresentationArgs are the inputs of CreateVerifiablePresentationEIP1271.
type PresentationArgs struct {
	Presentation credential.Presentation
	Challenge    string
	Domain       string
	Signer       evm.TypedDataSigner
}

// CreateVerifiablePresentationEIP1271 issues a presentation for the managed
// holder DID.
func (a *Agent) CreateVerifiablePresentationEIP1271(ctx context.Context, args PresentationArgs) (*credential.Presentation, error) {
	if args.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if _, err := a.DIDManagerGet(ctx, args.Presentation.Holder); err != nil {
		return nil, err
	}

	opts := append([]credential.Option{}, a.issueOps...)
	if args.Challenge != "" {
		opts = append(opts, credential.WithChallenge(args.Challenge))
	}
	if args.Domain != "" {
		opts = append(opts, credential.WithDomain(args.Domain))
	}

	vp, err := credential.IssuePresentation(ctx, args.Signer, args.Presentation, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Issued verifiable presentation",
		zap.String("id", vp.ID),
		zap.String("holder", vp.Holder),
		zap.Int("credentials", len(vp.VerifiableCredential)))
	return vp, nil
}

// VerifyPresentationEIP1271 verifies a presentation and its credentials.
func (a *Agent) VerifyPresentationEIP1271(ctx context.Context, vp credential.Presentation, opts credential.PresentationOptions) (*credential.VerificationResult, error) {
	result, err := a.verifier.VerifyPresentation(ctx, vp, opts)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Verified verifiable presentation",
		zap.String("id", vp.ID),
		zap.Bool("verified", result.Verified),
		zap.String("error", result.Error))
	return result, nil
}
