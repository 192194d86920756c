// Package subscriber negotiates a service subscription with a remote agent:
// it derives and deploys the subscriber's smart accounts, grants the service
// a rate-limited payment delegation, wraps it in a verifiable credential and
// presentation bound to the agent's challenge, and asks for the service.
package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mcpagents/aa-subscriber/account"
	"github.com/mcpagents/aa-subscriber/agent"
	"github.com/mcpagents/aa-subscriber/bundler"
	"github.com/mcpagents/aa-subscriber/credential"
	"github.com/mcpagents/aa-subscriber/delegation"
	"github.com/mcpagents/aa-subscriber/did"
	"github.com/mcpagents/aa-subscriber/evm"
	"github.com/mcpagents/aa-subscriber/userop"
)

// Wallet is the EOA the subscriber logs in with. It owns both smart accounts.
type Wallet interface {
	account.Owner
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// BalanceRefresher is told about the subscriber account and refreshed after
// a run.
type BalanceRefresher interface {
	SetAccount(address string)
	Refresh(ctx context.Context) error
}

// PaymentTerms restrict the payment delegation granted to the service.
type PaymentTerms struct {
	// Allowance is the wei the service may pull per period.
	Allowance *big.Int
	// Period is the period length in seconds.
	Period uint64
	// StartDate is the unix time the first period starts.
	StartDate uint64
}

// DefaultPaymentTerms allow 10 wei per day starting 2025-04-04.
func DefaultPaymentTerms() PaymentTerms {
	return PaymentTerms{
		Allowance: big.NewInt(10),
		Period:    86400,
		StartDate: 1743763600,
	}
}

// ServiceRequest describes the service asked for.
type ServiceRequest struct {
	Location string `json:"location"`
	Service  string `json:"service"`
}

// DefaultServiceRequest is lawn care in Erie, CO.
func DefaultServiceRequest() ServiceRequest {
	return ServiceRequest{Location: "Erie, CO", Service: "Lawn Care"}
}

// HelloMessage is signed by the wallet at login to check it recovers to
// its own address.
const HelloMessage = "hello world"

const (
	subscriberProvider = "did:aa:client"
	subscriberAlias    = "subscriber-smart-account"
)

// Result collects everything a subscription run produced.
type Result struct {
	Challenge         Challenge `json:"challenge"`
	Owner             string    `json:"owner"`
	SubscriberAccount string    `json:"subscriberAccount"`
	DelegateAccount   string    `json:"delegateAccount"`
	SubscriberDID     string    `json:"subscriberDid"`

	// Resolutions holds the ethr DID documents of the owner and the
	// subscriber account, keyed by DID.
	Resolutions map[string]*did.ResolutionResult `json:"resolutions,omitempty"`

	// Deployments holds the deploying operation per account; accounts that
	// were already deployed have no entry.
	Deployments map[string]*bundler.Result `json:"deployments,omitempty"`

	TransferDelegation delegation.Delegation `json:"transferDelegation"`
	Transfer           *bundler.Result       `json:"transfer,omitempty"`
	PaymentDelegation  delegation.Delegation `json:"paymentDelegation"`

	Credential               *credential.Credential         `json:"credential,omitempty"`
	CredentialVerification   *credential.VerificationResult `json:"credentialVerification,omitempty"`
	Presentation             *credential.Presentation       `json:"presentation,omitempty"`
	PresentationVerification *credential.VerificationResult `json:"presentationVerification,omitempty"`

	Response json.RawMessage `json:"response,omitempty"`
}

// Dependencies are the collaborators of a Subscriber.
type Dependencies struct {
	Transport Transport
	Wallet    Wallet
	Backend   evm.Backend
	Env       evm.Environment
	Sender    *bundler.Sender
	Agent     *agent.Agent
}

// Subscriber runs subscription requests. It is safe for concurrent use;
// use State to serialize runs for a view.
type Subscriber struct {
	transport Transport
	wallet    Wallet
	backend   evm.Backend
	env       evm.Environment
	sender    *bundler.Sender
	agent     *agent.Agent

	logger            *zap.Logger
	terms             PaymentTerms
	transferValue     *big.Int
	request           ServiceRequest
	domain            string
	receiptTimeout    time.Duration
	now               func() time.Time
	subscriberAddress string
	balances          BalanceRefresher

	beforeHooks  []BeforeStepHook
	afterHooks   []AfterStepHook
	failureHooks []OnStepFailureHook
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithPaymentTerms overrides the payment delegation caveat.
func WithPaymentTerms(terms PaymentTerms) Option {
	return func(s *Subscriber) {
		s.terms = terms
	}
}

// WithTransferValue sets the wei moved by the internal delegation transfer.
func WithTransferValue(wei *big.Int) Option {
	return func(s *Subscriber) {
		s.transferValue = wei
	}
}

// WithServiceRequest sets the service asked for.
func WithServiceRequest(request ServiceRequest) Option {
	return func(s *Subscriber) {
		s.request = request
	}
}

// WithPresentationDomain binds presentations to domain as well as to the
// challenge.
func WithPresentationDomain(domain string) Option {
	return func(s *Subscriber) {
		s.domain = domain
	}
}

// WithReceiptTimeout bounds every wait for a user operation receipt.
func WithReceiptTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		s.receiptTimeout = d
	}
}

// WithClock overrides the clock used for nonce keys.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) {
		s.now = now
	}
}

// WithSubscriberAddress binds the subscriber account to an existing address
// instead of deriving it.
func WithSubscriberAddress(address string) Option {
	return func(s *Subscriber) {
		s.subscriberAddress = address
	}
}

// WithBalanceRefresher keeps r pointed at the subscriber account.
func WithBalanceRefresher(r BalanceRefresher) Option {
	return func(s *Subscriber) {
		s.balances = r
	}
}

// New creates a Subscriber.
func New(deps Dependencies, opts ...Option) (*Subscriber, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("transport is required")
	case deps.Wallet == nil:
		return nil, errors.New("wallet is required")
	case deps.Backend == nil:
		return nil, errors.New("backend is required")
	case deps.Sender == nil:
		return nil, errors.New("user operation sender is required")
	case deps.Agent == nil:
		return nil, errors.New("identity agent is required")
	case deps.Env.ChainID == nil:
		return nil, errors.New("environment has no chain id")
	}

	s := &Subscriber{
		transport:     deps.Transport,
		wallet:        deps.Wallet,
		backend:       deps.Backend,
		env:           deps.Env,
		sender:        deps.Sender,
		agent:         deps.Agent,
		logger:        zap.NewNop(),
		terms:         DefaultPaymentTerms(),
		transferValue: big.NewInt(10),
		request:       DefaultServiceRequest(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runStep executes fn as step with hooks, timing and error wrapping.
func (s *Subscriber) runStep(ctx context.Context, step Step, result *Result, fn func(context.Context) error) error {
	sc := StepContext{Ctx: ctx, Step: step, Timestamp: time.Now(), Result: result}

	for _, hook := range s.beforeHooks {
		res, err := hook(sc)
		if err != nil {
			return NewSubscriptionError(step, ErrCodeAborted, "before hook failed", err)
		}
		if res != nil && res.Abort {
			return NewSubscriptionError(step, ErrCodeAborted, res.Reason, nil)
		}
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		var subErr *SubscriptionError
		if !errors.As(err, &subErr) {
			subErr = NewSubscriptionError(step, codeFor(step), fmt.Sprintf("%s step failed", step), err)
		}
		s.logger.Error("Subscription step failed",
			zap.String("step", string(step)),
			zap.String("code", subErr.Code),
			zap.Duration("duration", duration),
			zap.Error(err))
		for _, hook := range s.failureHooks {
			hook(StepFailureContext{StepContext: sc, Error: subErr, Duration: duration})
		}
		return subErr
	}

	s.logger.Debug("Subscription step completed",
		zap.String("step", string(step)),
		zap.Duration("duration", duration))
	for _, hook := range s.afterHooks {
		if hookErr := hook(StepResultContext{StepContext: sc, Duration: duration}); hookErr != nil {
			s.logger.Warn("After step hook failed", zap.String("step", string(step)), zap.Error(hookErr))
		}
	}
	return nil
}

func codeFor(step Step) string {
	switch step {
	case StepChallenge:
		return ErrCodeChallengeFailed
	case StepLogin:
		return ErrCodeLoginFailed
	case StepDeriveAccounts:
		return ErrCodeAccountDerivationFailed
	case StepDeploySubscriber, StepDeployDelegate:
		return ErrCodeDeploymentFailed
	case StepTransferDelegation, StepPaymentDelegation:
		return ErrCodeDelegationFailed
	case StepCredential:
		return ErrCodeCredentialFailed
	case StepPresentation:
		return ErrCodePresentationFailed
	case StepServiceRequest:
		return ErrCodeServiceRequestFailed
	default:
		return ErrCodeTransportFailed
	}
}

// Subscribe performs one complete subscription request and returns what it
// produced. On failure the partial result is returned with a
// *SubscriptionError.
func (s *Subscriber) Subscribe(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{
		Resolutions: map[string]*did.ResolutionResult{},
		Deployments: map[string]*bundler.Result{},
	}

	var subscriberAccount, delegateAccount *account.HybridAccount

	steps := []struct {
		step Step
		fn   func(context.Context) error
	}{
		{StepChallenge, func(ctx context.Context) error {
			return s.fetchChallenge(ctx, result)
		}},
		{StepLogin, func(ctx context.Context) error {
			return s.login(ctx, result)
		}},
		{StepDeriveAccounts, func(ctx context.Context) error {
			var err error
			subscriberAccount, delegateAccount, err = s.deriveAccounts(ctx, result)
			return err
		}},
		{StepDeploySubscriber, func(ctx context.Context) error {
			return s.ensureDeployed(ctx, subscriberAccount, result)
		}},
		{StepDeployDelegate, func(ctx context.Context) error {
			return s.ensureDeployed(ctx, delegateAccount, result)
		}},
		{StepTransferDelegation, func(ctx context.Context) error {
			return s.transferDelegation(ctx, subscriberAccount, delegateAccount, result)
		}},
		{StepPaymentDelegation, func(ctx context.Context) error {
			return s.paymentDelegation(ctx, subscriberAccount, result)
		}},
		{StepCredential, func(ctx context.Context) error {
			return s.issueCredential(ctx, subscriberAccount, result)
		}},
		{StepPresentation, func(ctx context.Context) error {
			return s.issuePresentation(ctx, subscriberAccount, result)
		}},
		{StepServiceRequest, func(ctx context.Context) error {
			return s.askForService(ctx, result)
		}},
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return result, NewSubscriptionError(st.step, ErrCodeAborted, "context done", err)
		}
		if err := s.runStep(ctx, st.step, result, st.fn); err != nil {
			return result, err
		}
	}

	if s.balances != nil {
		if err := s.balances.Refresh(ctx); err != nil {
			s.logger.Warn("Error fetching balances", zap.Error(err))
		}
	}

	s.logger.Info("Subscription request completed",
		zap.String("subscriberDid", result.SubscriberDID),
		zap.String("service", result.Challenge.Address),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (s *Subscriber) fetchChallenge(ctx context.Context, result *Result) error {
	raw, err := s.transport.Send(ctx, Message{
		Type:    TypePresentationRequest,
		Payload: subscriptionPayload(),
	})
	if err != nil {
		return NewSubscriptionError(StepChallenge, ErrCodeTransportFailed, "presentation request failed", err)
	}
	challenge, err := ParseChallenge(raw)
	if err != nil {
		return err
	}
	result.Challenge = challenge
	s.logger.Info("Received challenge",
		zap.String("serviceAccount", challenge.Address),
		zap.String("challenge", challenge.Challenge))
	return nil
}

// login checks the wallet is usable on the configured chain and that it
// signs messages that recover to its own address.
func (s *Subscriber) login(ctx context.Context, result *Result) error {
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID.Cmp(s.env.ChainID) != 0 {
		return fmt.Errorf("connected to chain %s, want %s", chainID, s.env.ChainID)
	}

	owner := common.HexToAddress(s.wallet.Address()).Hex()
	signature, err := s.wallet.SignMessage(ctx, []byte(HelloMessage))
	if err != nil {
		return fmt.Errorf("failed to sign login message: %w", err)
	}
	recovered, err := evm.RecoverMessageSigner([]byte(HelloMessage), signature)
	if err != nil {
		return fmt.Errorf("failed to recover login signer: %w", err)
	}
	if recovered != owner {
		return fmt.Errorf("login signature recovers to %s, not %s", recovered, owner)
	}

	result.Owner = owner
	s.logger.Info("Wallet logged in", zap.String("owner", owner), zap.String("chainId", chainID.String()))
	return nil
}

func (s *Subscriber) deriveAccounts(ctx context.Context, result *Result) (*account.HybridAccount, *account.HybridAccount, error) {
	var subscriberOpts []account.Option
	if s.subscriberAddress != "" {
		subscriberOpts = append(subscriberOpts, account.WithAddress(s.subscriberAddress))
	}
	subscriberAccount, err := account.NewHybrid(s.backend, s.wallet, s.env, subscriberOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("subscriber account: %w", err)
	}
	delegateAccount, err := account.NewHybrid(s.backend, s.wallet, s.env, account.WithDeploySalt(account.SaltFromUint64(1)))
	if err != nil {
		return nil, nil, fmt.Errorf("delegate account: %w", err)
	}

	result.SubscriberAccount = subscriberAccount.Address()
	result.DelegateAccount = delegateAccount.Address()
	result.SubscriberDID = did.AADID(s.env.ChainID, subscriberAccount.Address())
	s.logger.Info("Derived smart accounts",
		zap.String("subscriberAccount", result.SubscriberAccount),
		zap.String("delegateAccount", result.DelegateAccount),
		zap.String("subscriberDid", result.SubscriberDID))

	if s.balances != nil {
		s.balances.SetAccount(subscriberAccount.Address())
	}

	// resolution failures are informational; the result carries the error code
	for _, id := range []string{did.EthrDID(subscriberAccount.Address()), did.EthrDID(result.Owner)} {
		resolved, err := s.agent.ResolveDID(ctx, id)
		result.Resolutions[id] = resolved
		if err == nil {
			s.logger.Debug("Resolved DID", zap.String("did", id), zap.String("controller", resolved.DIDDocument.Controller))
		}
	}
	return subscriberAccount, delegateAccount, nil
}

func (s *Subscriber) sendOptions() bundler.SendOptions {
	return bundler.SendOptions{ReceiptTimeout: s.receiptTimeout}
}

func (s *Subscriber) ensureDeployed(ctx context.Context, acct *account.HybridAccount, result *Result) error {
	deployment, err := s.sender.EnsureDeployed(ctx, acct, s.sendOptions())
	if err != nil {
		return fmt.Errorf("failed to deploy %s: %w", acct.Address(), err)
	}
	if deployment == nil {
		s.logger.Info("Smart account already deployed", zap.String("address", acct.Address()))
		return nil
	}
	result.Deployments[acct.Address()] = deployment
	return nil
}

// transferDelegation grants the delegate account an uncaveated delegation
// from the subscriber account and redeems it from the delegate, moving
// transferValue to the delegate.
func (s *Subscriber) transferDelegation(ctx context.Context, from, to *account.HybridAccount, result *Result) error {
	signed, err := from.SignDelegation(ctx, delegation.Create(from.Address(), to.Address(), nil))
	if err != nil {
		return err
	}
	result.TransferDelegation = signed

	redeem, err := delegation.EncodeRedeemDelegations(
		[][]delegation.Delegation{{signed}},
		[]delegation.ExecutionMode{delegation.SingleDefaultMode},
		[][]delegation.Execution{{{Target: to.Address(), Value: s.transferValue, CallData: []byte{}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to encode redemption: %w", err)
	}

	// a fresh nonce lane per transfer
	nonce, err := userop.EncodeNonce(big.NewInt(s.now().UnixMilli()), 0)
	if err != nil {
		return err
	}
	opts := s.sendOptions()
	opts.Nonce = nonce

	transfer, err := s.sender.Send(ctx, to, []userop.Call{{To: to.Address(), Value: new(big.Int), Data: redeem}}, opts)
	if err != nil {
		return fmt.Errorf("failed to redeem delegation: %w", err)
	}
	result.Transfer = transfer
	s.logger.Info("Delegation transfer included",
		zap.String("from", from.Address()),
		zap.String("to", to.Address()),
		zap.String("userOpHash", transfer.UserOpHash))
	return nil
}

func (s *Subscriber) paymentDelegation(ctx context.Context, from *account.HybridAccount, result *Result) error {
	caveats, err := delegation.NewCaveatBuilder(s.env).
		NativeTokenPeriodTransfer(s.terms.Allowance, s.terms.Period, s.terms.StartDate).
		Build()
	if err != nil {
		return err
	}
	signed, err := from.SignDelegation(ctx, delegation.Create(from.Address(), result.Challenge.Address, caveats))
	if err != nil {
		return err
	}
	result.PaymentDelegation = signed
	s.logger.Info("Signed payment delegation",
		zap.String("delegator", signed.Delegator),
		zap.String("delegate", signed.Delegate),
		zap.String("allowance", s.terms.Allowance.String()))
	return nil
}

func (s *Subscriber) issueCredential(ctx context.Context, signer *account.HybridAccount, result *Result) error {
	subjectDID := result.SubscriberDID
	if _, err := s.agent.DIDManagerImport(ctx, agent.Identifier{
		DID:      subjectDID,
		Provider: subscriberProvider,
		Alias:    subscriberAlias,
	}); err != nil {
		return err
	}
	if _, err := s.agent.KeyManagerImport(ctx, agent.Key{
		KID:          "aa-" + signer.Address(),
		KMS:          "aa",
		Type:         "Secp256k1",
		PublicKeyHex: "0x",
	}); err != nil {
		return err
	}

	delegationJSON, err := json.Marshal(result.PaymentDelegation)
	if err != nil {
		return fmt.Errorf("failed to encode payment delegation: %w", err)
	}
	vc, err := s.agent.CreateVerifiableCredentialEIP1271(ctx, credential.Credential{
		Context: []string{credential.ContextCredentialsV1},
		Type:    []string{credential.TypeVerifiableCredential},
		Issuer:  credential.Issuer{ID: subjectDID},
		CredentialSubject: map[string]interface{}{
			"id":                subjectDID,
			"paymentDelegation": string(delegationJSON),
		},
	}, signer)
	if err != nil {
		return err
	}
	result.Credential = vc

	verification, err := s.agent.VerifyCredentialEIP1271(ctx, *vc)
	if err != nil {
		return err
	}
	result.CredentialVerification = verification
	if !verification.Verified {
		return NewSubscriptionError(StepCredential, ErrCodeVerificationFailed, "credential did not verify", errors.New(verification.Error))
	}
	return nil
}

func (s *Subscriber) issuePresentation(ctx context.Context, signer *account.HybridAccount, result *Result) error {
	vp, err := s.agent.CreateVerifiablePresentationEIP1271(ctx, agent.PresentationArgs{
		Presentation: credential.Presentation{
			Holder:               result.SubscriberDID,
			VerifiableCredential: []credential.Credential{*result.Credential},
		},
		Challenge: result.Challenge.Challenge,
		Domain:    s.domain,
		Signer:    signer,
	})
	if err != nil {
		return err
	}
	result.Presentation = vp

	verification, err := s.agent.VerifyPresentationEIP1271(ctx, *vp, credential.PresentationOptions{
		Challenge: result.Challenge.Challenge,
		Domain:    s.domain,
	})
	if err != nil {
		return err
	}
	result.PresentationVerification = verification
	if !verification.Verified {
		return NewSubscriptionError(StepPresentation, ErrCodeVerificationFailed, "presentation did not verify", errors.New(verification.Error))
	}
	return nil
}

func (s *Subscriber) askForService(ctx context.Context, result *Result) error {
	raw, err := s.transport.Send(ctx, Message{
		Type:   TypeAskForService,
		Sender: result.SubscriberDID,
		Payload: map[string]interface{}{
			"location":     s.request.Location,
			"service":      s.request.Service,
			"presentation": result.Presentation,
		},
	})
	if err != nil {
		return NewSubscriptionError(StepServiceRequest, ErrCodeTransportFailed, "service request failed", err)
	}
	result.Response = raw
	s.logger.Info("Service request answered", zap.Int("bytes", len(raw)))
	return nil
}

// SendJWTRequest posts one of the JWT demonstration messages. kind is a key
// of JWTKinds or a message type.
func (s *Subscriber) SendJWTRequest(ctx context.Context, kind string) (json.RawMessage, error) {
	msgType, ok := JWTKinds[kind]
	if !ok {
		for _, t := range JWTKinds {
			if string(t) == kind {
				msgType, ok = t, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJWTKind, kind)
	}

	raw, err := s.transport.Send(ctx, Message{Type: msgType, Payload: subscriptionPayload()})
	if err != nil {
		return nil, NewSubscriptionError(StepServiceRequest, ErrCodeTransportFailed, fmt.Sprintf("%s failed", msgType), err)
	}
	s.logger.Info("JWT request answered", zap.String("type", string(msgType)), zap.ByteString("response", compact(raw)))
	return raw, nil
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
