package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcpagents/aa-subscriber/evm"
)

// Verifier checks EIP-712 proofs. Signatures of deployed contract accounts
// are checked through ERC-1271 on backend, others through ECDSA recovery.
type Verifier struct {
	backend evm.Backend
	now     func() time.Time
}

// NewVerifier returns a verifier. backend may be nil for EOA-only use.
func NewVerifier(backend evm.Backend) *Verifier {
	return &Verifier{backend: backend, now: time.Now}
}

// WithClock overrides the time used for expiration checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// PresentationOptions constrain presentation verification.
type PresentationOptions struct {
	// Challenge, when set, must equal the proof challenge.
	Challenge string
	// Domain, when set, must equal the proof domain.
	Domain string
}

// VerifyCredential verifies the issuer proof of vc. A false result carries
// the reason; an error is returned only when verification could not run.
func (v *Verifier) VerifyCredential(ctx context.Context, vc Credential) (*VerificationResult, error) {
	if result := ValidateCredential(vc); !result.Valid {
		return failed("", fmt.Errorf("invalid credential: %s", strings.Join(result.Errors, "; "))), nil
	}
	if vc.Expired(v.now()) {
		return failed("", ErrExpired), nil
	}

	unsigned := vc
	return v.verifyProof(ctx, vc.Issuer.ID, vc.Proof, TypeVerifiableCredential, PurposeAssertion, func(options *Proof) interface{} {
		unsigned.Proof = options
		return unsigned
	})
}

// VerifyPresentation verifies the holder proof of vp and every embedded
// credential.
func (v *Verifier) VerifyPresentation(ctx context.Context, vp Presentation, opts PresentationOptions) (*VerificationResult, error) {
	if result := ValidatePresentation(vp); !result.Valid {
		return failed("", fmt.Errorf("invalid presentation: %s", strings.Join(result.Errors, "; "))), nil
	}
	if opts.Challenge != "" && vp.Proof.Challenge != opts.Challenge {
		return failed("", ErrChallenge), nil
	}
	if opts.Domain != "" && vp.Proof.Domain != opts.Domain {
		return failed("", ErrDomain), nil
	}

	unsigned := vp
	result, err := v.verifyProof(ctx, vp.Holder, vp.Proof, TypeVerifiablePresentation, PurposeAuthentication, func(options *Proof) interface{} {
		unsigned.Proof = options
		return unsigned
	})
	if err != nil || !result.Verified {
		return result, err
	}

	for i, vc := range vp.VerifiableCredential {
		vcResult, err := v.VerifyCredential(ctx, vc)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}
		result.Credentials = append(result.Credentials, *vcResult)
		if !vcResult.Verified {
			result.Verified = false
			result.Error = fmt.Sprintf("credential %d: %s", i, vcResult.Error)
		}
	}
	return result, nil
}

// verifyProof rebuilds the signed message with withOptions (the document
// carrying only the proof options) and checks proof.ProofValue for signerDID.
func (v *Verifier) verifyProof(
	ctx context.Context,
	signerDIDRaw string,
	proof *Proof,
	primaryType string,
	purpose string,
	withOptions func(*Proof) interface{},
) (*VerificationResult, error) {
	if proof == nil {
		return failed("", ErrNoProof), nil
	}
	if proof.Type != ProofTypeEIP712 {
		return failed("", fmt.Errorf("%w: %s", ErrUnsupportedProof, proof.Type)), nil
	}
	if proof.ProofPurpose != purpose {
		return failed("", fmt.Errorf("unexpected proof purpose %q", proof.ProofPurpose)), nil
	}

	id, chainID, err := signerDID(signerDIDRaw)
	if err != nil {
		return failed("", err), nil
	}
	if vmDID := strings.SplitN(proof.VerificationMethod, "#", 2)[0]; vmDID != id.Raw {
		return failed(id.Address, fmt.Errorf("verification method %s does not belong to %s", proof.VerificationMethod, id.Raw)), nil
	}
	if proof.EIP712 != nil && proof.EIP712.PrimaryType != "" && proof.EIP712.PrimaryType != primaryType {
		return failed(id.Address, fmt.Errorf("unexpected primary type %q", proof.EIP712.PrimaryType)), nil
	}

	signature, err := evm.HexToBytes(proof.ProofValue)
	if err != nil || len(signature) == 0 {
		return failed(id.Address, fmt.Errorf("malformed proof value")), nil
	}

	options := *proof
	options.ProofValue = ""
	options.EIP712 = nil
	message, err := toMessage(withOptions(&options))
	if err != nil {
		return nil, err
	}
	types, err := typesFor(message, primaryType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive EIP-712 types: %w", err)
	}
	hash, err := evm.HashTypedData(domainFor(chainID), types, primaryType, message)
	if err != nil {
		return nil, err
	}

	ok, err := evm.VerifySignature(ctx, v.backend, id.Address, hash, signature)
	if err != nil {
		return nil, fmt.Errorf("signature check failed: %w", err)
	}
	if !ok {
		return failed(id.Address, fmt.Errorf("signature does not match %s", id.Raw)), nil
	}
	return &VerificationResult{Verified: true, Signer: id.Address}, nil
}
