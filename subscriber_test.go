package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpagents/aa-subscriber/account"
	"github.com/mcpagents/aa-subscriber/agent"
	"github.com/mcpagents/aa-subscriber/bundler"
	"github.com/mcpagents/aa-subscriber/bundler/bundlertest"
	"github.com/mcpagents/aa-subscriber/credential"
	"github.com/mcpagents/aa-subscriber/delegation"
	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/evm/evmtest"
	evmsigner "github.com/mcpagents/aa-subscriber/signers/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

const (
	testKey        = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	serviceAccount = "0x9999999999999999999999999999999999999999"
	testChallenge  = "c-4f1d2a"
)

var fixedNow = time.UnixMilli(1743763600123)

// fakeAgent plays the remote service agent.
type fakeAgent struct {
	mu       sync.Mutex
	messages []Message

	challenge json.RawMessage
	err       error
	onSend    func(Message)
}

func newFakeAgent() *fakeAgent {
	challenge, _ := json.Marshal(Challenge{Address: serviceAccount, Challenge: testChallenge})
	return &fakeAgent{challenge: challenge}
}

func (f *fakeAgent) Send(ctx context.Context, msg Message) (json.RawMessage, error) {
	// what the agent sees is the wire form
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.messages = append(f.messages, decoded)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(decoded)
	}

	if f.err != nil {
		return nil, f.err
	}
	switch msg.Type {
	case TypePresentationRequest:
		return f.challenge, nil
	case TypeAskForService:
		return json.RawMessage(`{"status":"accepted"}`), nil
	default:
		return json.Marshal(map[string]string{"received": string(msg.Type)})
	}
}

func (f *fakeAgent) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message{}, f.messages...)
}

type fakeRefresher struct {
	mu        sync.Mutex
	account   string
	refreshes int
}

func (r *fakeRefresher) SetAccount(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account = address
}

func (r *fakeRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return nil
}

type fixture struct {
	env    evm.Environment
	wallet *evmsigner.ClientSigner
	chain  *evmtest.Backend
	fake   *bundlertest.Bundler
	remote *fakeAgent
	agent  *agent.Agent
	deps   Dependencies
}

func newFixture(t *testing.T) *fixture {
	env, ok := evm.LookupEnvironment(evm.SepoliaNetwork)
	require.True(t, ok)
	env.ProxyCreationCodeHex = "0x6080604052"

	wallet, err := evmsigner.NewClientSignerFromPrivateKey(testKey)
	require.NoError(t, err)

	chain := evmtest.NewBackend(env.ChainID)
	fake := bundlertest.New(env.ChainID)
	fake.OnSend = func(op userop.UserOperation) {
		if op.Factory != "" {
			chain.DeployAccount(op.Sender, wallet.Address())
		}
	}
	client := bundler.NewClient(fake.Client(), bundler.WithPollInterval(time.Millisecond, 5*time.Millisecond))
	t.Cleanup(client.Close)

	remote := newFakeAgent()
	ag := agent.New(did.NewDefaultRegistry(chain, env), chain)

	return &fixture{
		env:    env,
		wallet: wallet,
		chain:  chain,
		fake:   fake,
		remote: remote,
		agent:  ag,
		deps: Dependencies{
			Transport: remote,
			Wallet:    wallet,
			Backend:   chain,
			Env:       env,
			Sender:    bundler.NewSender(client, chain, env.ChainID),
			Agent:     ag,
		},
	}
}

func (f *fixture) subscriber(t *testing.T, opts ...Option) *Subscriber {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithReceiptTimeout(time.Second)}, opts...)
	s, err := New(f.deps, opts...)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, step Step, code string) *SubscriptionError {
	t.Helper()
	var subErr *SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, step, subErr.Step)
	assert.Equal(t, code, subErr.Code)
	return subErr
}

func TestNew_RequiresDependencies(t *testing.T) {
	f := newFixture(t)

	deps := f.deps
	deps.Transport = nil
	_, err := New(deps)
	assert.ErrorContains(t, err, "transport")

	deps = f.deps
	deps.Agent = nil
	_, err = New(deps)
	assert.ErrorContains(t, err, "agent")
}

func TestSubscribe_FullFlow(t *testing.T) {
	f := newFixture(t)
	refresher := &fakeRefresher{}
	s := f.subscriber(t, WithBalanceRefresher(refresher))
	ctx := context.Background()

	result, err := s.Subscribe(ctx)
	require.NoError(t, err)

	// challenge and accounts
	assert.Equal(t, serviceAccount, result.Challenge.Address)
	assert.Equal(t, testChallenge, result.Challenge.Challenge)
	assert.Equal(t, f.wallet.Address(), result.Owner)
	assert.NotEqual(t, result.SubscriberAccount, result.DelegateAccount)
	assert.Equal(t, did.AADID(f.env.ChainID, result.SubscriberAccount), result.SubscriberDID)
	assert.Contains(t, result.Resolutions, did.EthrDID(result.SubscriberAccount))
	assert.Contains(t, result.Resolutions, did.EthrDID(f.wallet.Address()))

	// both accounts deployed, then one transfer from the delegate
	assert.Len(t, result.Deployments, 2)
	ops := f.fake.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, result.SubscriberAccount, ops[0].Sender)
	assert.Equal(t, result.DelegateAccount, ops[1].Sender)

	transfer := ops[2]
	assert.Equal(t, result.DelegateAccount, transfer.Sender)
	assert.Empty(t, transfer.Factory)
	key, seq := userop.DecodeNonce(transfer.Nonce)
	assert.Equal(t, fixedNow.UnixMilli(), key.Int64())
	assert.Zero(t, seq)
	redeemSelector := crypto.Keccak256([]byte("redeemDelegations(bytes[],bytes32[],bytes[])"))[:4]
	assert.True(t, bytes.Contains(transfer.CallData, redeemSelector))
	require.NotNil(t, result.Transfer)
	assert.True(t, result.Transfer.Receipt.Success)

	assert.Equal(t, result.SubscriberAccount, result.TransferDelegation.Delegator)
	assert.Equal(t, result.DelegateAccount, result.TransferDelegation.Delegate)
	assert.Empty(t, result.TransferDelegation.Caveats)

	// payment delegation to the service account, verifiable on chain
	payment := result.PaymentDelegation
	assert.Equal(t, serviceAccount, payment.Delegate)
	assert.Equal(t, result.SubscriberAccount, payment.Delegator)
	require.Len(t, payment.Caveats, 1)
	assert.Equal(t, common.HexToAddress(f.env.CaveatEnforcers.NativeTokenPeriodTransfer), common.HexToAddress(payment.Caveats[0].Enforcer))
	ok, err := delegation.Verify(ctx, f.chain, payment, f.env.ChainID, f.env.DelegationManager)
	require.NoError(t, err)
	assert.True(t, ok)

	// the credential carries the signed delegation as JSON
	require.NotNil(t, result.Credential)
	assert.Equal(t, result.SubscriberDID, result.Credential.Subject())
	var carried delegation.Delegation
	require.NoError(t, json.Unmarshal([]byte(result.Credential.CredentialSubject["paymentDelegation"].(string)), &carried))
	wantHash, err := delegation.Hash(payment, f.env.ChainID, f.env.DelegationManager)
	require.NoError(t, err)
	gotHash, err := delegation.Hash(carried, f.env.ChainID, f.env.DelegationManager)
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
	assert.Equal(t, payment.Signature, carried.Signature)
	assert.True(t, result.CredentialVerification.Verified)

	require.NotNil(t, result.Presentation)
	assert.Equal(t, testChallenge, result.Presentation.Proof.Challenge)
	assert.True(t, result.PresentationVerification.Verified)

	assert.JSONEq(t, `{"status":"accepted"}`, string(result.Response))

	// what the agent received
	messages := f.remote.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, TypePresentationRequest, messages[0].Type)
	assert.Equal(t, ActionServiceSubscription, messages[0].Payload["action"])

	ask := messages[1]
	assert.Equal(t, TypeAskForService, ask.Type)
	assert.Equal(t, result.SubscriberDID, ask.Sender)
	assert.Equal(t, "Erie, CO", ask.Payload["location"])
	assert.Equal(t, "Lawn Care", ask.Payload["service"])

	// the presentation still verifies after the wire round trip
	raw, err := json.Marshal(ask.Payload["presentation"])
	require.NoError(t, err)
	var vp credential.Presentation
	require.NoError(t, json.Unmarshal(raw, &vp))
	verification, err := f.agent.VerifyPresentationEIP1271(ctx, vp, credential.PresentationOptions{Challenge: testChallenge})
	require.NoError(t, err)
	assert.True(t, verification.Verified, verification.Error)

	assert.Equal(t, result.SubscriberAccount, refresher.account)
	assert.Equal(t, 1, refresher.refreshes)
}

func TestSubscribe_AccountsAlreadyDeployed(t *testing.T) {
	f := newFixture(t)

	subscriberAccount, err := account.NewHybrid(f.chain, f.wallet, f.env)
	require.NoError(t, err)
	delegateAccount, err := account.NewHybrid(f.chain, f.wallet, f.env, account.WithDeploySalt(account.SaltFromUint64(1)))
	require.NoError(t, err)
	f.chain.DeployAccount(subscriberAccount.Address(), f.wallet.Address())
	f.chain.DeployAccount(delegateAccount.Address(), f.wallet.Address())

	result, err := f.subscriber(t).Subscribe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Deployments)
	assert.Equal(t, subscriberAccount.Address(), result.SubscriberAccount)
	assert.Len(t, f.fake.Operations(), 1, "only the delegation transfer is submitted")
}

func TestSubscribe_CustomTerms(t *testing.T) {
	f := newFixture(t)
	terms := PaymentTerms{Allowance: big.NewInt(1000), Period: 3600, StartDate: 1700000000}

	result, err := f.subscriber(t,
		WithPaymentTerms(terms),
		WithServiceRequest(ServiceRequest{Location: "Boulder, CO", Service: "Snow Removal"}),
		WithPresentationDomain("wallet.myorgwallet.io"),
	).Subscribe(context.Background())
	require.NoError(t, err)

	terms96 := result.PaymentDelegation.Caveats[0].Terms
	require.Len(t, terms96, 96)
	assert.Equal(t, big.NewInt(1000), new(big.Int).SetBytes(terms96[:32]))
	assert.Equal(t, big.NewInt(3600), new(big.Int).SetBytes(terms96[32:64]))
	assert.Equal(t, big.NewInt(1700000000), new(big.Int).SetBytes(terms96[64:]))

	assert.Equal(t, "wallet.myorgwallet.io", result.Presentation.Proof.Domain)
	ask := f.remote.Messages()[1]
	assert.Equal(t, "Snow Removal", ask.Payload["service"])
}

func TestSubscribe_OversizedAllowance(t *testing.T) {
	f := newFixture(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 256)

	var result *Result
	var err error
	require.NotPanics(t, func() {
		result, err = f.subscriber(t, WithPaymentTerms(PaymentTerms{Allowance: huge, Period: 86400, StartDate: 1743763600})).
			Subscribe(context.Background())
	})
	requireCode(t, err, StepPaymentDelegation, ErrCodeDelegationFailed)
	assert.ErrorIs(t, err, delegation.ErrUint256Overflow)
	require.NotNil(t, result)
	assert.Nil(t, result.PaymentDelegation)
	assert.Nil(t, result.Credential)
}

func TestSubscribe_CredentialNotVerified(t *testing.T) {
	f := newFixture(t)
	// a chain without the deployed accounts makes the ERC-1271 signer
	// look like an EOA, so the owner's signature no longer matches it
	f.deps.Agent = agent.New(did.NewDefaultRegistry(f.chain, f.env), f.chain,
		agent.WithVerifier(credential.NewVerifier(evmtest.NewBackend(f.env.ChainID))))

	result, err := f.subscriber(t).Subscribe(context.Background())
	subErr := requireCode(t, err, StepCredential, ErrCodeVerificationFailed)
	assert.Contains(t, subErr.Err.Error(), "signature does not match")

	require.NotNil(t, result)
	require.NotNil(t, result.Credential)
	require.NotNil(t, result.CredentialVerification)
	assert.False(t, result.CredentialVerification.Verified)
	assert.Equal(t, subErr.Err.Error(), result.CredentialVerification.Error)
	assert.Nil(t, result.Presentation)

	for _, m := range f.remote.Messages() {
		assert.NotEqual(t, TypeAskForService, m.Type)
	}
}

func TestSubscribe_ChallengeFailures(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		f := newFixture(t)
		down := errors.New("connection refused")
		f.remote.err = down

		result, err := f.subscriber(t).Subscribe(context.Background())
		requireCode(t, err, StepChallenge, ErrCodeTransportFailed)
		assert.ErrorIs(t, err, down)
		assert.Empty(t, result.SubscriberAccount)
		assert.Empty(t, f.fake.Operations())
	})

	t.Run("no service account", func(t *testing.T) {
		f := newFixture(t)
		f.remote.challenge = json.RawMessage(`{"challenge":"x"}`)

		_, err := f.subscriber(t).Subscribe(context.Background())
		requireCode(t, err, StepChallenge, ErrCodeChallengeFailed)
	})
}

func TestSubscribe_WrongChain(t *testing.T) {
	f := newFixture(t)
	f.deps.Backend = evmtest.NewBackend(big.NewInt(1))

	_, err := f.subscriber(t).Subscribe(context.Background())
	subErr := requireCode(t, err, StepLogin, ErrCodeLoginFailed)
	assert.Contains(t, subErr.Error(), "connected to chain 1")
}

func TestSubscribe_DeploymentReverted(t *testing.T) {
	f := newFixture(t)
	f.fake.Revert = true

	var failures []StepFailureContext
	s := f.subscriber(t, WithOnStepFailureHook(func(fc StepFailureContext) {
		failures = append(failures, fc)
	}))

	result, err := s.Subscribe(context.Background())
	requireCode(t, err, StepDeploySubscriber, ErrCodeDeploymentFailed)
	assert.Contains(t, err.Error(), "reverted")
	assert.NotEmpty(t, result.SubscriberAccount, "partial result is returned")

	require.Len(t, failures, 1)
	assert.Equal(t, StepDeploySubscriber, failures[0].Step)
}

func TestSubscribe_Hooks(t *testing.T) {
	f := newFixture(t)

	var completed []Step
	s := f.subscriber(t,
		WithAfterStepHook(func(rc StepResultContext) error {
			completed = append(completed, rc.Step)
			return errors.New("ignored")
		}),
		WithBeforeStepHook(func(sc StepContext) (*BeforeHookResult, error) {
			if sc.Step == StepPaymentDelegation {
				return &BeforeHookResult{Abort: true, Reason: "budget frozen"}, nil
			}
			return nil, nil
		}),
	)

	_, err := s.Subscribe(context.Background())
	subErr := requireCode(t, err, StepPaymentDelegation, ErrCodeAborted)
	assert.Equal(t, "budget frozen", subErr.Message)
	assert.Equal(t, Steps[:6], completed)
}

func TestSubscribe_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.subscriber(t).Subscribe(ctx)
	requireCode(t, err, StepChallenge, ErrCodeAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.remote.Messages())
}

func TestSendJWTRequest(t *testing.T) {
	f := newFixture(t)
	s := f.subscriber(t)

	for kind, msgType := range JWTKinds {
		raw, err := s.SendJWTRequest(context.Background(), kind)
		require.NoError(t, err, kind)
		assert.JSONEq(t, `{"received":"`+string(msgType)+`"}`, string(raw))
	}

	_, err := s.SendJWTRequest(context.Background(), string(TypeSendEOADelegatedDIDCommJWT))
	require.NoError(t, err)

	_, err = s.SendJWTRequest(context.Background(), "saml")
	assert.ErrorContains(t, err, "unknown JWT request kind")

	messages := f.remote.Messages()
	require.Len(t, messages, len(JWTKinds)+1)
	for _, m := range messages {
		assert.Equal(t, ActionServiceSubscription, m.Payload["action"])
		assert.Empty(t, m.Sender)
	}
}

func TestParseChallenge(t *testing.T) {
	c, err := ParseChallenge(json.RawMessage(`{"address":"0x9999999999999999999999999999999999999999","challenge":"abc","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, Challenge{Address: serviceAccount, Challenge: "abc"}, c)

	_, err = ParseChallenge(json.RawMessage(`{"address":"0x99","challenge":"abc"}`))
	assert.Error(t, err)
	_, err = ParseChallenge(json.RawMessage(`{"address":"0x9999999999999999999999999999999999999999"}`))
	assert.Error(t, err)
	_, err = ParseChallenge(json.RawMessage(`not json`))
	assert.Error(t, err)
}
