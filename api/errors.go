package api

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"servodrive-go/errcode"
)

// errResponse is the JSON error envelope; Code carries the protocol
// error code when the failure came from a servo service.
type errResponse struct {
	HTTPStatusCode int `json:"-"`

	StatusText string `json:"status"`
	Code       string `json:"code,omitempty"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

var errUnknownServo = &errResponse{
	HTTPStatusCode: http.StatusNotFound,
	StatusText:     "unknown servo",
	Code:           string(errcode.UnknownServo),
}

func errBadRequest(err error) *errResponse {
	return &errResponse{
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     err.Error(),
		Code:           string(errcode.InvalidPayload),
	}
}

func errGateway(code string, status int) *errResponse {
	return &errResponse{
		HTTPStatusCode: status,
		StatusText:     "servo did not answer",
		Code:           code,
	}
}

func errInternal(msg string) *errResponse {
	return &errResponse{
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     msg,
	}
}

// errFromCode maps a protocol error code to an HTTP status.
func errFromCode(code string) *errResponse {
	status := http.StatusInternalServerError
	switch errcode.Code(code) {
	case errcode.InvalidPayload, errcode.InvalidLimits:
		status = http.StatusBadRequest
	case errcode.UnknownServo:
		status = http.StatusNotFound
	case errcode.Unsupported:
		status = http.StatusMethodNotAllowed
	case errcode.HardwareError:
		status = http.StatusBadGateway
	case errcode.Timeout:
		status = http.StatusGatewayTimeout
	}
	return &errResponse{
		HTTPStatusCode: status,
		StatusText:     "command failed",
		Code:           code,
	}
}

func errMissingField(name string) error {
	return errors.Errorf("missing field %q", name)
}
