package credential

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
)

type options struct {
	now       func() time.Time
	challenge string
	domain    string
	id        string
}

// Option configures issuance.
type Option func(*options)

// WithClock sets the time source for issuance and proof dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithChallenge binds a presentation proof to a verifier challenge.
func WithChallenge(challenge string) Option {
	return func(o *options) {
		o.challenge = challenge
	}
}

// WithDomain binds a presentation proof to a verifier domain.
func WithDomain(domain string) Option {
	return func(o *options) {
		o.domain = domain
	}
}

// WithID sets the document id instead of a fresh urn:uuid.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

func buildOptions(opts []Option) *options {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// signerDID parses a blockchain DID and returns it with its chain id.
func signerDID(raw string) (did.DID, *big.Int, error) {
	id, err := did.Parse(raw)
	if err != nil {
		return did.DID{}, nil, err
	}
	if id.Address == "" || id.ChainID == nil {
		return did.DID{}, nil, fmt.Errorf("%s is not a blockchain account DID", raw)
	}
	return id, id.ChainID, nil
}

func domainFor(chainID *big.Int) evm.TypedDataDomain {
	return evm.TypedDataDomain{Name: DomainName, Version: DomainVersion, ChainID: chainID}
}

// IssueCredential signs credential as its issuer. The signer must control
// the issuer DID's account. Missing context, type, id and issuance date are
// filled in.
func IssueCredential(ctx context.Context, signer evm.TypedDataSigner, credential Credential, opts ...Option) (*Credential, error) {
	o := buildOptions(opts)

	issuer, chainID, err := signerDID(credential.Issuer.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer: %w", err)
	}
	if common.HexToAddress(signer.Address()) != common.HexToAddress(issuer.Address) {
		return nil, fmt.Errorf("%w: %s is not %s", ErrSignerMismatch, signer.Address(), issuer.Raw)
	}

	vc := credential
	vc.Context = withDefault(vc.Context, ContextCredentialsV1)
	vc.Type = withDefault(vc.Type, TypeVerifiableCredential)
	if vc.ID == "" {
		vc.ID = o.id
	}
	if vc.ID == "" {
		vc.ID = "urn:uuid:" + uuid.NewString()
	}
	now := o.now().UTC()
	if vc.IssuanceDate == "" {
		vc.IssuanceDate = now.Format(timeLayout)
	}
	vc.Proof = &Proof{
		Type:               ProofTypeEIP712,
		Created:            now.Format(timeLayout),
		ProofPurpose:       PurposeAssertion,
		VerificationMethod: issuer.Raw + "#controller",
	}

	if result := ValidateCredential(vc); !result.Valid {
		return nil, fmt.Errorf("invalid credential: %s", strings.Join(result.Errors, "; "))
	}

	proof, err := sign(ctx, signer, vc, TypeVerifiableCredential, chainID, vc.Proof)
	if err != nil {
		return nil, err
	}
	vc.Proof = proof
	return &vc, nil
}

// IssuePresentation signs presentation as its holder, optionally bound to a
// challenge and domain.
func IssuePresentation(ctx context.Context, signer evm.TypedDataSigner, presentation Presentation, opts ...Option) (*Presentation, error) {
	o := buildOptions(opts)

	holder, chainID, err := signerDID(presentation.Holder)
	if err != nil {
		return nil, fmt.Errorf("invalid holder: %w", err)
	}
	if common.HexToAddress(signer.Address()) != common.HexToAddress(holder.Address) {
		return nil, fmt.Errorf("%w: %s is not %s", ErrSignerMismatch, signer.Address(), holder.Raw)
	}

	vp := presentation
	vp.Context = withDefault(vp.Context, ContextCredentialsV1)
	vp.Type = withDefault(vp.Type, TypeVerifiablePresentation)
	if vp.ID == "" {
		vp.ID = o.id
	}
	if vp.ID == "" {
		vp.ID = "urn:uuid:" + uuid.NewString()
	}
	if vp.VerifiableCredential == nil {
		vp.VerifiableCredential = []Credential{}
	}
	now := o.now().UTC()
	if vp.IssuanceDate == "" {
		vp.IssuanceDate = now.Format(timeLayout)
	}
	vp.Proof = &Proof{
		Type:               ProofTypeEIP712,
		Created:            now.Format(timeLayout),
		ProofPurpose:       PurposeAuthentication,
		VerificationMethod: holder.Raw + "#controller",
		Challenge:          o.challenge,
		Domain:             o.domain,
	}

	if result := ValidatePresentation(vp); !result.Valid {
		return nil, fmt.Errorf("invalid presentation: %s", strings.Join(result.Errors, "; "))
	}

	proof, err := sign(ctx, signer, vp, TypeVerifiablePresentation, chainID, vp.Proof)
	if err != nil {
		return nil, err
	}
	vp.Proof = proof
	return &vp, nil
}

// sign hashes doc, whose proof carries only the proof options, and returns
// the completed proof.
func sign(ctx context.Context, signer evm.TypedDataSigner, doc interface{}, primaryType string, chainID *big.Int, options *Proof) (*Proof, error) {
	message, err := toMessage(doc)
	if err != nil {
		return nil, err
	}
	types, err := typesFor(message, primaryType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive EIP-712 types: %w", err)
	}
	domain := domainFor(chainID)

	signature, err := signer.SignTypedData(ctx, domain, types, primaryType, message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", primaryType, err)
	}

	proof := *options
	proof.ProofValue = evm.BytesToHex(signature)
	proof.EIP712 = &EIP712{Domain: domain, Types: types, PrimaryType: primaryType}
	return &proof, nil
}

func withDefault(values []string, first string) []string {
	for _, v := range values {
		if v == first {
			return values
		}
	}
	return append([]string{first}, values...)
}
