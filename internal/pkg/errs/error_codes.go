/*
Package errs defines the application error type and the error codes returned to HTTP clients.

Signaling errors on the websocket are never reported to participants; these codes cover the
HTTP side-channel (ICE configuration, admission, upgrade rejection).
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body is not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Signaling Errors
const (
	// ErrOriginNotAllowed indicates that a websocket upgrade came from an origin outside the allow list.
	ErrOriginNotAllowed = 2001

	// ErrICEUnavailable indicates that no ICE configuration could be produced.
	ErrICEUnavailable = 2101
)

// 3xxx: Admission Errors
const (
	// ErrPowChallengeRequired indicates the client must complete a Proof-of-Work challenge first.
	ErrPowChallengeRequired = 3001

	// ErrPowChallengeInvalid indicates that the PoW proof provided by the client is invalid.
	ErrPowChallengeInvalid = 3002
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified internal error.
	ErrUnknown = 5000

	// ErrBackendUnavailable indicates that the state backend could not serve the request.
	ErrBackendUnavailable = 5001
)
