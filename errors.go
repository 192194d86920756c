package subscriber

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a subscription run is already in flight.
var ErrBusy = errors.New("a subscription request is already running")

// ErrRunPanicked is returned by State.Run when the run panicked.
var ErrRunPanicked = errors.New("subscription request panicked")

// ErrUnknownJWTKind is returned by SendJWTRequest for an unsupported kind.
var ErrUnknownJWTKind = errors.New("unknown JWT request kind")

// SubscriptionError reports the step a subscription run failed at.
type SubscriptionError struct {
	Step    Step                   `json:"step"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeChallengeFailed         = "challenge_failed"
	ErrCodeLoginFailed             = "login_failed"
	ErrCodeAccountDerivationFailed = "account_derivation_failed"
	ErrCodeDeploymentFailed        = "deployment_failed"
	ErrCodeDelegationFailed        = "delegation_failed"
	ErrCodeCredentialFailed        = "credential_failed"
	ErrCodePresentationFailed      = "presentation_failed"
	ErrCodeVerificationFailed      = "verification_failed"
	ErrCodeServiceRequestFailed    = "service_request_failed"
	ErrCodeTransportFailed         = "transport_failed"
	ErrCodeAborted                 = "aborted"
)

// NewSubscriptionError creates a new subscription error
func NewSubscriptionError(step Step, code, message string, err error) *SubscriptionError {
	return &SubscriptionError{
		Step:    step,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
