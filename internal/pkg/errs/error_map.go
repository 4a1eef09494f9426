/*
Package errs defines the application error type and the error codes returned to HTTP clients.

This file maps every error code to its client-facing message and HTTP status.
*/
package errs

import "net/http"

// errorMap holds the template CustomError for every known code.
var errorMap = map[int]CustomError{
	// 1xxx
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large.", Status: http.StatusRequestEntityTooLarge},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx
	ErrOriginNotAllowed: {Code: ErrOriginNotAllowed, Message: "Origin not allowed.", Status: http.StatusForbidden},
	ErrICEUnavailable:   {Code: ErrICEUnavailable, Message: "Connection settings are unavailable. Please try again later.", Status: http.StatusServiceUnavailable},

	// 3xxx
	ErrPowChallengeRequired: {Code: ErrPowChallengeRequired, Message: "Verification required. Please try again.", Status: http.StatusForbidden},
	ErrPowChallengeInvalid:  {Code: ErrPowChallengeInvalid, Message: "Verification failed (%s).", Status: http.StatusForbidden},

	// 5xxx
	ErrUnknown:            {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrBackendUnavailable: {Code: ErrBackendUnavailable, Message: "Service temporarily unavailable.", Status: http.StatusServiceUnavailable},
}
