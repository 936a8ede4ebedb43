package docstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrInvalidPath = errors.New("docstore: invalid document path")

// errorBody is the backend's JSON error envelope.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// decodeError turns a non-2xx response into a gRPC status error.  The
// canonical status name in the body wins over the HTTP status code.
func decodeError(httpStatus int, statusText string, body []byte) error {
	code := codeFromHTTP(httpStatus)
	msg := statusText

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		if eb.Error.Status != "" {
			var c codes.Code
			if err := c.UnmarshalJSON([]byte(strconv.Quote(eb.Error.Status))); err == nil {
				code = c
			}
		}
		if eb.Error.Message != "" {
			msg = eb.Error.Message
		}
	}
	return status.Error(code, msg)
}

func codeFromHTTP(s int) codes.Code {
	switch s {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	if s >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}

// Code extracts the status code from err, looking through wrapping.
// Errors that carry no status report codes.Unknown; nil reports codes.OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return codes.Unknown
}

func IsNotFound(err error) bool { return Code(err) == codes.NotFound }

// FromBackend reports whether err carries a status decoded from a backend
// reply.  Transport and context failures do not.
func FromBackend(err error) bool {
	var se interface{ GRPCStatus() *status.Status }
	return errors.As(err, &se)
}
