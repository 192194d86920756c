package credential

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpagents/aa-subscriber/account"
	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/evm/evmtest"
	evmsigner "github.com/mcpagents/aa-subscriber/signers/evm"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var fixedNow = func() time.Time { return time.Date(2025, 4, 4, 12, 0, 0, 0, time.UTC) }

type smartFixture struct {
	backend *evmtest.Backend
	account *account.HybridAccount
	did     string
}

func newSmartFixture(t *testing.T) *smartFixture {
	env, ok := evm.LookupEnvironment(evm.SepoliaNetwork)
	require.True(t, ok)
	env.ProxyCreationCodeHex = "0x6080604052"

	owner, err := evmsigner.NewClientSignerFromPrivateKey(testKey)
	require.NoError(t, err)

	backend := evmtest.NewBackend(env.ChainID)
	acct, err := account.NewHybrid(backend, owner, env)
	require.NoError(t, err)
	backend.DeployAccount(acct.Address(), owner.Address())

	return &smartFixture{backend: backend, account: acct, did: did.AADID(env.ChainID, acct.Address())}
}

func subjectCredential(issuer string) Credential {
	return Credential{
		Issuer: Issuer{ID: issuer},
		CredentialSubject: map[string]interface{}{
			"id":                issuer,
			"paymentDelegation": `{"delegate":"0x01"}`,
		},
	}
}

func TestTypesFor(t *testing.T) {
	message, err := toMessage(map[string]interface{}{
		"@context": []string{"a"},
		"count":    7,
		"flag":     true,
		"issuer":   map[string]interface{}{"id": "did:x"},
		"items":    []map[string]interface{}{{"name": "n"}},
		"empty":    []string{},
		"skip":     nil,
	})
	require.NoError(t, err)
	assert.NotContains(t, message, "skip")
	assert.Equal(t, big.NewInt(7), message["count"])

	types, err := typesFor(message, "Document")
	require.NoError(t, err)
	assert.Equal(t, []evm.TypedDataField{
		{Name: "@context", Type: "string[]"},
		{Name: "count", Type: "uint256"},
		{Name: "empty", Type: "string[]"},
		{Name: "flag", Type: "bool"},
		{Name: "issuer", Type: "Issuer"},
		{Name: "items", Type: "Items[]"},
	}, types["Document"])
	assert.Equal(t, []evm.TypedDataField{{Name: "id", Type: "string"}}, types["Issuer"])

	_, err = toMessage(map[string]interface{}{"n": -1})
	assert.Error(t, err)
}

func TestTypesFor_NameCollision(t *testing.T) {
	message, err := toMessage(map[string]interface{}{
		"proof": map[string]interface{}{"challenge": "c"},
		"inner": map[string]interface{}{
			"proof": map[string]interface{}{"proofValue": "0x"},
		},
	})
	require.NoError(t, err)

	types, err := typesFor(message, "Root")
	require.NoError(t, err)
	assert.Equal(t, []evm.TypedDataField{{Name: "proofValue", Type: "string"}}, types["Proof"])
	assert.Equal(t, []evm.TypedDataField{{Name: "proof", Type: "Proof"}}, types["Inner"])
	assert.Equal(t, []evm.TypedDataField{{Name: "challenge", Type: "string"}}, types["RootProof"])
}

func TestIssueAndVerifyCredential_EOA(t *testing.T) {
	signer, err := evmsigner.NewClientSignerFromPrivateKey(testKey)
	require.NoError(t, err)
	issuer := did.PkhDID(evm.ChainIDSepolia, signer.Address())

	vc, err := IssueCredential(context.Background(), signer, subjectCredential(issuer), WithClock(fixedNow))
	require.NoError(t, err)

	assert.Equal(t, []string{ContextCredentialsV1}, vc.Context)
	assert.Equal(t, []string{TypeVerifiableCredential}, vc.Type)
	assert.Equal(t, "2025-04-04T12:00:00.000Z", vc.IssuanceDate)
	assert.Contains(t, vc.ID, "urn:uuid:")
	require.NotNil(t, vc.Proof)
	assert.Equal(t, ProofTypeEIP712, vc.Proof.Type)
	assert.Equal(t, PurposeAssertion, vc.Proof.ProofPurpose)
	assert.Equal(t, issuer+"#controller", vc.Proof.VerificationMethod)
	require.NotNil(t, vc.Proof.EIP712)
	assert.Equal(t, DomainName, vc.Proof.EIP712.Domain.Name)
	assert.Equal(t, evm.ChainIDSepolia, vc.Proof.EIP712.Domain.ChainID)
	assert.Equal(t, issuer, vc.Subject())

	result, err := NewVerifier(nil).VerifyCredential(context.Background(), *vc)
	require.NoError(t, err)
	assert.True(t, result.Verified, result.Error)
	assert.Equal(t, signer.Address(), result.Signer)

	// survives a JSON round trip, as it does on the wire
	raw, err := json.Marshal(vc)
	require.NoError(t, err)
	var decoded Credential
	require.NoError(t, json.Unmarshal(raw, &decoded))
	result, err = NewVerifier(nil).VerifyCredential(context.Background(), decoded)
	require.NoError(t, err)
	assert.True(t, result.Verified, result.Error)

	decoded.CredentialSubject["paymentDelegation"] = "tampered"
	result, err = NewVerifier(nil).VerifyCredential(context.Background(), decoded)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Error, "signature does not match")
}

func TestIssueCredential_Errors(t *testing.T) {
	signer, err := evmsigner.NewClientSignerFromPrivateKey(testKey)
	require.NoError(t, err)

	_, err = IssueCredential(context.Background(), signer, subjectCredential("did:web:example.com"))
	assert.ErrorContains(t, err, "not a blockchain account DID")

	other := did.PkhDID(evm.ChainIDSepolia, "0x2222222222222222222222222222222222222222")
	_, err = IssueCredential(context.Background(), signer, subjectCredential(other))
	assert.ErrorIs(t, err, ErrSignerMismatch)

	empty := subjectCredential(did.PkhDID(evm.ChainIDSepolia, signer.Address()))
	empty.CredentialSubject = map[string]interface{}{}
	_, err = IssueCredential(context.Background(), signer, empty)
	assert.ErrorContains(t, err, "invalid credential")
}

func TestIssueAndVerify_SmartAccount(t *testing.T) {
	f := newSmartFixture(t)

	vc, err := IssueCredential(context.Background(), f.account, subjectCredential(f.did), WithClock(fixedNow))
	require.NoError(t, err)

	verifier := NewVerifier(f.backend).WithClock(fixedNow)
	vcResult, err := verifier.VerifyCredential(context.Background(), *vc)
	require.NoError(t, err)
	assert.True(t, vcResult.Verified, vcResult.Error)
	assert.Equal(t, f.account.Address(), vcResult.Signer)

	vp, err := IssuePresentation(context.Background(), f.account, Presentation{
		Holder:               f.did,
		VerifiableCredential: []Credential{*vc},
	}, WithChallenge("challenge-123"), WithDomain("wallet.myorgwallet.io"), WithClock(fixedNow))
	require.NoError(t, err)
	assert.Equal(t, []string{TypeVerifiablePresentation}, vp.Type)
	assert.Equal(t, "challenge-123", vp.Proof.Challenge)
	assert.Equal(t, PurposeAuthentication, vp.Proof.ProofPurpose)

	calls := f.backend.Calls()
	vpResult, err := verifier.VerifyPresentation(context.Background(), *vp, PresentationOptions{Challenge: "challenge-123"})
	require.NoError(t, err)
	assert.True(t, vpResult.Verified, vpResult.Error)
	require.Len(t, vpResult.Credentials, 1)
	assert.True(t, vpResult.Credentials[0].Verified)
	assert.Greater(t, f.backend.Calls(), calls, "smart account proofs go through isValidSignature")

	vpResult, err = verifier.VerifyPresentation(context.Background(), *vp, PresentationOptions{Challenge: "other"})
	require.NoError(t, err)
	assert.False(t, vpResult.Verified)
	assert.Equal(t, ErrChallenge.Error(), vpResult.Error)

	vpResult, err = verifier.VerifyPresentation(context.Background(), *vp, PresentationOptions{Domain: "evil.example"})
	require.NoError(t, err)
	assert.False(t, vpResult.Verified)

	// changing the challenge after signing breaks the holder proof
	tampered := *vp
	proof := *vp.Proof
	proof.Challenge = "other"
	tampered.Proof = &proof
	vpResult, err = verifier.VerifyPresentation(context.Background(), tampered, PresentationOptions{})
	require.NoError(t, err)
	assert.False(t, vpResult.Verified)
}

func TestVerifyPresentation_BadEmbeddedCredential(t *testing.T) {
	f := newSmartFixture(t)

	vc, err := IssueCredential(context.Background(), f.account, subjectCredential(f.did), WithClock(fixedNow))
	require.NoError(t, err)
	vc.ExpirationDate = "2025-01-01T00:00:00Z"

	vp, err := IssuePresentation(context.Background(), f.account, Presentation{
		Holder:               f.did,
		VerifiableCredential: []Credential{*vc},
	}, WithClock(fixedNow))
	require.NoError(t, err)

	result, err := NewVerifier(f.backend).WithClock(fixedNow).VerifyPresentation(context.Background(), *vp, PresentationOptions{})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Error, "credential 0")
	assert.Equal(t, ErrExpired.Error(), result.Credentials[0].Error)
}

func TestVerify_MissingProof(t *testing.T) {
	vc := subjectCredential(did.PkhDID(evm.ChainIDSepolia, "0x2222222222222222222222222222222222222222"))
	vc.Context = []string{ContextCredentialsV1}
	vc.Type = []string{TypeVerifiableCredential}
	vc.IssuanceDate = "2025-04-04T12:00:00Z"

	result, err := NewVerifier(nil).VerifyCredential(context.Background(), vc)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Error, "proof")
}
