package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Relay protocol errors
	CodeProtocol        Code = "PROTOCOL"
	CodeValidation      Code = "VALIDATION"
	CodePeerUnavailable Code = "PEER_UNAVAILABLE"
	CodeTransport       Code = "TRANSPORT"
	CodeStorage         Code = "STORAGE"

	// Registry and upload errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeExhausted       Code = "EXHAUSTED"
)

// Reply reports whether errors with this code are answered with an error
// message to the peer. Transport errors are only logged.
func (c Code) Reply() bool {
	switch c {
	case CodeProtocol, CodeValidation, CodePeerUnavailable, CodeStorage:
		return true
	default:
		return false
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument, CodeProtocol, CodeValidation:
		return http.StatusBadRequest
	case CodePeerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
