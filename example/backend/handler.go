package main

import (
	"io"
	"net/http"
	"time"

	"github.com/jxskiss/gopkg/v2/json"
	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/spf13/cast"
	"go.uber.org/atomic"
)

// handler echoes requests back as JSON.
//
// Failure injection:
//   - ?status=503 answers with that status
//   - ?sleep=200ms waits before answering
//   - POST /healthz?down=true makes health checks fail until
//     POST /healthz?down=false
type handler struct {
	port int
	down atomic.Bool
}

func newHandler(port int) *handler {
	return &handler{port: port}
}

type echoReply struct {
	Port      int    `json:"port"`
	Method    string `json:"method"`
	Host      string `json:"host"`
	URI       string `json:"uri"`
	RequestID string `json:"request_id,omitempty"`
	BodySize  int    `json:"body_size"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		h.serveHealth(w, r)
		return
	}

	q := r.URL.Query()
	if d := cast.ToDuration(q.Get("sleep")); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	body, _ := io.ReadAll(r.Body)
	status := http.StatusOK
	if s := cast.ToInt(q.Get("status")); s >= 200 && s <= 599 {
		status = s
	}

	reply := echoReply{
		Port:      h.port,
		Method:    r.Method,
		Host:      r.Host,
		URI:       r.RequestURI,
		RequestID: r.Header.Get("X-Request-Id"),
		BodySize:  len(body),
	}
	zlog.Infof("serving: (%d) %v %v %v -> %d", h.port, r.Method, r.Host, r.RequestURI, status)
	out, _ := json.Marshal(reply)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.down.Store(cast.ToBool(r.URL.Query().Get("down")))
	}
	if h.down.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, "ok")
}
