package subscriber

import (
	"context"
	"time"
)

// Step identifies one stage of a subscription run.
type Step string

const (
	StepChallenge          Step = "challenge"
	StepLogin              Step = "login"
	StepDeriveAccounts     Step = "derive_accounts"
	StepDeploySubscriber   Step = "deploy_subscriber"
	StepDeployDelegate     Step = "deploy_delegate"
	StepTransferDelegation Step = "transfer_delegation"
	StepPaymentDelegation  Step = "payment_delegation"
	StepCredential         Step = "credential"
	StepPresentation       Step = "presentation"
	StepServiceRequest     Step = "service_request"
)

// Steps lists the stages in execution order.
var Steps = []Step{
	StepChallenge,
	StepLogin,
	StepDeriveAccounts,
	StepDeploySubscriber,
	StepDeployDelegate,
	StepTransferDelegation,
	StepPaymentDelegation,
	StepCredential,
	StepPresentation,
	StepServiceRequest,
}

// StepContext is passed to step hooks.
type StepContext struct {
	Ctx       context.Context
	Step      Step
	Timestamp time.Time
	// Result holds what earlier steps produced so far. Hooks must not modify it.
	Result *Result
}

// StepResultContext describes a completed step.
type StepResultContext struct {
	StepContext
	Duration time.Duration
}

// StepFailureContext describes a failed step.
type StepFailureContext struct {
	StepContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the run stops with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeStepHook is called before every step.
type BeforeStepHook func(StepContext) (*BeforeHookResult, error)

// AfterStepHook is called after a successful step.
// Any error returned will be logged but does not affect the run
type AfterStepHook func(StepResultContext) error

// OnStepFailureHook is called when a step fails. The failure is always
// reported to the caller.
type OnStepFailureHook func(StepFailureContext)

// WithBeforeStepHook registers a hook to execute before each step
func WithBeforeStepHook(hook BeforeStepHook) Option {
	return func(s *Subscriber) {
		s.beforeHooks = append(s.beforeHooks, hook)
	}
}

// WithAfterStepHook registers a hook to execute after each successful step
func WithAfterStepHook(hook AfterStepHook) Option {
	return func(s *Subscriber) {
		s.afterHooks = append(s.afterHooks, hook)
	}
}

// WithOnStepFailureHook registers a hook to execute when a step fails
func WithOnStepFailureHook(hook OnStepFailureHook) Option {
	return func(s *Subscriber) {
		s.failureHooks = append(s.failureHooks, hook)
	}
}
