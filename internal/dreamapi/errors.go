package dreamapi

import "errors"

// Closed error taxonomy for the submission pipeline. Callers classify
// failures with errors.Is and must not depend on message text.
var (
	// ErrAuth means the API key could not be obtained. Fatal to the attempt.
	ErrAuth = errors.New("api key unavailable")

	// ErrNetwork is a transport failure or timeout. Always retryable.
	ErrNetwork = errors.New("network failure")

	// ErrService means the server explicitly rejected the dream. Terminal
	// for that dream; does not affect other queued items.
	ErrService = errors.New("service rejected request")

	// ErrStorage means local persistence failed. The submission proceeds
	// without a durability guarantee rather than blocking the user.
	ErrStorage = errors.New("local storage failure")
)
