package billing

import "errors"

var (
	// ErrMisconfigured means the webhook secret is not set.
	ErrMisconfigured = errors.New("billing: webhook secret not configured")
	// ErrInvalidSignature means the webhook signature did not verify.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrUnsupportedEvent means the body is not a {type, data} envelope.
	ErrUnsupportedEvent = errors.New("billing: unsupported event")
	// ErrNoProjection means neither a subscription nor an order could be extracted.
	ErrNoProjection = errors.New("billing: no subscription or order in payload")
	// ErrNoSubscriptionID means no provider subscription id could be found.
	ErrNoSubscriptionID = errors.New("billing: no subscription id in payload")
	// ErrNoIdentity means the payload could not be tied to a local user.
	ErrNoIdentity = errors.New("billing: no identity for webhook customer")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("billing: invalid input")
)

// IsTerminal reports whether err ends a run without retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoProjection) ||
		errors.Is(err, ErrNoSubscriptionID) ||
		errors.Is(err, ErrNoIdentity) ||
		errors.Is(err, ErrInvalidInput)
}
