package engine

import (
	"errors"
	"net/http"

	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/store"
	"shuttlecore/topology"
	"shuttlecore/workflow"
)

// ErrInvalidInput is a malformed request value other than a coordinate.
var ErrInvalidInput = errors.New("invalid input")

// Response codes carried in the envelope. They follow HTTP numbering but
// are independent of the HTTP status the facade sends.
const (
	CodeOK          = 200
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeFailed      = 500
	CodeUnavailable = 503
	CodeTimeout     = 504
)

// Response is the envelope every orchestrator operation returns.
type Response struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	// HTTPStatus is what the HTTP facade should answer with.
	HTTPStatus int `json:"-"`
}

func ok(msg string, data any) Response {
	return Response{Success: true, Code: CodeOK, Status: "ok", Message: msg, Data: data, HTTPStatus: http.StatusOK}
}

// fail builds the envelope for err. Workflow errors carry the failing step.
func fail(err error) Response {
	code, status, httpStatus := Classify(err)
	r := Response{Code: code, Status: status, Message: err.Error(), HTTPStatus: httpStatus}
	if step := workflow.FailedStep(err); step != "" {
		r.Data = map[string]string{"step": step}
	}
	return r
}

// Classify maps err onto (code, status, http status). Transport errors are
// 5xx, validation errors 4xx and everything else 200 with a failure code.
func Classify(err error) (int, string, int) {
	var crit *shuttle.CriticalError
	var se *workflow.StepError
	var rollback *store.BulkRollbackError
	switch {
	case err == nil:
		return CodeOK, "ok", http.StatusOK
	case errors.Is(err, workflow.ErrFaulted), errors.As(err, &crit):
		return CodeFailed, "faulted", http.StatusOK
	case transportError(err):
		return CodeUnavailable, "unavailable", http.StatusServiceUnavailable
	case errors.Is(err, workflow.ErrWorkflowTimeout):
		return CodeTimeout, "timeout", http.StatusOK
	case errors.Is(err, workflow.ErrAborted):
		return CodeFailed, "aborted", http.StatusOK
	case errors.As(err, &se):
		return CodeFailed, "step_failed", http.StatusOK
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, shuttle.ErrTaskInFlight):
		return CodeConflict, "busy", http.StatusConflict
	case errors.Is(err, topology.ErrBadCoord), errors.Is(err, topology.ErrUnknownNode),
		errors.Is(err, plc.ErrInvalidBitAddress), errors.Is(err, ErrInvalidInput):
		return CodeBadRequest, "bad_request", http.StatusBadRequest
	case errors.Is(err, store.ErrReservedCell):
		return CodeBadRequest, "reserved_cell", http.StatusBadRequest
	case errors.As(err, &rollback):
		return CodeBadRequest, "bulk_rollback", http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound, "not_found", http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict, "conflict", http.StatusConflict
	case errors.Is(err, shuttle.ErrTimeout), errors.Is(err, plc.ErrReadTimeout):
		return CodeTimeout, "timeout", http.StatusOK
	default:
		return CodeFailed, "error", http.StatusOK
	}
}

func transportError(err error) bool {
	for _, target := range []error{
		shuttle.ErrNotConnected, shuttle.ErrDisconnected, shuttle.ErrConnectFailed, shuttle.ErrClosed,
		plc.ErrNotConnected, plc.ErrReconnectExhausted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
