// Package services defines the business logic of the payment integration:
// checkout form building, notification processing, and gateway
// reconciliation. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrRegistrationNotFound indicates that the callback token does not
	// resolve to a known registration. This is a boundary error: the request
	// is rejected with a client error instead of being silently dropped.
	ErrRegistrationNotFound = errors.New("registration not found")

	// ErrPaymentDisabled is returned when the event has not enabled the
	// gateway payment method.
	ErrPaymentDisabled = errors.New("payment method not enabled for this event")

	// ErrPaymentNotAllowed is returned when the registration form is outside
	// the event's allow/deny lists or a prerequisite registration check
	// failed. The wrapped message is safe to show to the registrant.
	ErrPaymentNotAllowed = errors.New("payment method not allowed")

	// ErrNoTransaction indicates the registration has no recorded payment
	// attempt to reconcile against.
	ErrNoTransaction = errors.New("no transaction recorded for registration")
)
