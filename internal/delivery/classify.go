package delivery

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/kimhsiao/courier/internal/errors"
)

// Outcome is the result category of one delivery attempt.
type Outcome int

const (
	// Success means the endpoint accepted the event.
	Success Outcome = iota

	// Duplicate means the endpoint already had the event.
	Duplicate

	// Retry means the attempt failed in a way that may resolve itself.
	Retry

	// PermanentFailure means the event cannot be delivered as it stands.
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Duplicate:
		return "duplicate"
	case Retry:
		return "retry"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivered reports whether the entry should be removed from the queue.
func (o Outcome) Delivered() bool {
	return o == Success || o == Duplicate
}

// Result is a classified attempt. Err is nil for delivered outcomes.
type Result struct {
	Outcome Outcome
	Err     *apperrors.AppError
}

// Message returns the text recorded as the entry's last error.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Code returns the error code, or an empty code for delivered outcomes.
func (r Result) Code() apperrors.ErrorCode {
	if r.Err == nil {
		return ""
	}
	return r.Err.Code
}

type ackBody struct {
	Duplicate bool `json:"duplicate"`
}

// Classify maps an endpoint response to an outcome.
//
//	2xx with {"duplicate":true}  Duplicate
//	other 2xx                    Success
//	400                          PermanentFailure
//	401, 403                     Retry
//	429                          Retry
//	5xx                          Retry
//	anything else                Retry
func Classify(status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		var ack ackBody
		if len(body) > 0 && json.Unmarshal(body, &ack) == nil && ack.Duplicate {
			return Result{Outcome: Duplicate}
		}
		return Result{Outcome: Success}
	case status == http.StatusBadRequest:
		return failure(apperrors.ErrValidation, status)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure(apperrors.ErrCredentialRejected, status)
	case status == http.StatusTooManyRequests:
		return failure(apperrors.ErrRateLimited, status)
	case status >= 500 && status < 600:
		return failure(apperrors.ErrServer, status)
	default:
		return failure(apperrors.ErrUnclassified, status)
	}
}

// ClassifyTransport classifies an attempt that produced no response.
func ClassifyTransport(err error) Result {
	return failed(apperrors.Wrap(apperrors.ErrTransientTransport, "transport failure", err))
}

// ClassifyToken classifies a failure to obtain a bearer token.
func ClassifyToken(err error, unauthenticated bool) Result {
	if unauthenticated {
		return failed(apperrors.New(apperrors.ErrUnauthenticated, "not authenticated"))
	}
	return failed(apperrors.Wrap(apperrors.ErrTokenUnavailable, "token unavailable", err))
}

func failure(code apperrors.ErrorCode, status int) Result {
	return failed(apperrors.Newf(code, "endpoint responded with status %d", status))
}

// failed derives the outcome of a failed attempt from its error code.
func failed(err *apperrors.AppError) Result {
	o := PermanentFailure
	if apperrors.Retryable(err.Code) {
		o = Retry
	}
	return Result{Outcome: o, Err: err}
}
