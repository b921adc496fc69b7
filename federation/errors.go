package federation

import (
	"errors"
	"fmt"
)

// SignatureError reports a missing, malformed or invalid request signature.
// Malformed errors are client mistakes (400); everything else failed verification (401).
type SignatureError struct {
	Reason    string
	Malformed bool
	Err       error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature: %s: %v", e.Reason, e.Err)
	}
	return "signature: " + e.Reason
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

func malformed(reason string) *SignatureError {
	return &SignatureError{Reason: reason, Malformed: true}
}

func invalid(reason string, err error) *SignatureError {
	return &SignatureError{Reason: reason, Err: err}
}

// ResolutionError reports that a remote actor or instance could not be fetched or validated.
// It is always retryable from the caller's point of view.
type ResolutionError struct {
	URI string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.URI, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// HandlerError is a failure inside a type handler. Retryable errors ask the sender to
// deliver again later; terminal ones reject the entity for good.
type HandlerError struct {
	Retryable bool
	Reason    string
	Err       error
}

func (e *HandlerError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("handler (%s): %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("handler (%s): %s", kind, e.Reason)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func terminal(reason string) *HandlerError {
	return &HandlerError{Reason: reason}
}

func retryable(reason string, err error) *HandlerError {
	return &HandlerError{Retryable: true, Reason: reason, Err: err}
}

// ErrDuplicateDelivery marks an entity that was already applied inside the dedup window.
// It is not a failure: the inbox answers 200.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// ErrFederationDisabled is returned for remote fetches while federation is switched off.
var ErrFederationDisabled = errors.New("federation is disabled")

// ErrUnknownRecipient is returned for deliveries to an inbox with no local account.
var ErrUnknownRecipient = errors.New("unknown recipient")

// DeliveryExhausted is recorded when a job used up its attempts and was dead-lettered.
type DeliveryExhausted struct {
	EntityURI string
	Inbox     string
	Attempts  int
	Err       error
}

func (e *DeliveryExhausted) Error() string {
	return fmt.Sprintf("delivery of %s to %s exhausted after %d attempts: %v", e.EntityURI, e.Inbox, e.Attempts, e.Err)
}

func (e *DeliveryExhausted) Unwrap() error {
	return e.Err
}
