package proxy

import (
	"net/http"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/json"

	"github.com/jxskiss/mygw/pkg/balancer"
	"github.com/jxskiss/mygw/pkg/resilience"
	"github.com/jxskiss/mygw/pkg/route"
	"github.com/jxskiss/mygw/pkg/upstream"
)

// StatusClientClosedRequest is recorded when the client went away,
// nothing is written back in that case.
const StatusClientClosedRequest = 499

// Error codes in the JSON error body.
const (
	CodeNoMatch           = "no_match"
	CodeNoHealthyUpstream = "no_healthy_upstream"
	CodeCircuitOpen       = "circuit_open"
	CodeDeadlineExceeded  = "deadline_exceeded"
	CodeRetryExhausted    = "retry_exhausted"
	CodeUpstreamError     = "upstream_error"
	CodeBadRequest        = "bad_request"
	CodeClientCanceled    = "client_canceled"
)

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id,omitempty"`
	Route          string `json:"route,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// classify maps a pipeline error to the response status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, route.ErrNoMatch):
		return http.StatusNotFound, CodeNoMatch
	case errors.Is(err, resilience.ErrClientCanceled):
		return StatusClientClosedRequest, CodeClientCanceled
	case errors.Is(err, resilience.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, CodeDeadlineExceeded
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.Is(err, balancer.ErrNoHealthyUpstream),
		errors.Is(err, upstream.ErrUnknownCluster):
		return http.StatusServiceUnavailable, CodeNoHealthyUpstream
	case errors.Is(err, resilience.ErrRetryExhausted):
		return http.StatusBadGateway, CodeRetryExhausted
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	}
	return http.StatusBadGateway, CodeUpstreamError
}

var errBadRequest = errors.New("bad request")

func writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	body, _ := json.Marshal(&ErrorBody{Error: detail})
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	if detail.RequestID != "" {
		h.Set(HeaderRequestID, detail.RequestID)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
