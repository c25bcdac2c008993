// Package admin exposes the operator surface of a queue: inspection of row
// states, batch enqueue, and table purge. It is meant for tests, ops tooling
// and admin UIs, not for the hot processing path.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nuetzliches/schlange/internal/queue"
)

const (
	adminErrMethodNotAllowed = "method_not_allowed"
	adminErrUnauthorized     = "unauthorized"
	adminErrNotFound         = "not_found"
	adminErrInvalidBody      = "invalid_body"
	adminErrDuplicateID      = "duplicate_id"
	adminErrStoreUnavailable = "store_unavailable"
)

// Queue is the slice of the engine the admin surface needs.
type Queue interface {
	Add(ctx context.Context, reqs []queue.Request, failIfExists bool) error
	DeleteAll(ctx context.Context) (int64, error)
	NotHandledRequestIDs(ctx context.Context) ([]int64, error)
	NotNotifiedRequestIDs(ctx context.Context) ([]int64, error)
	NotifiedRequestIDs(ctx context.Context) ([]int64, error)
}

type Server struct {
	Queue     Queue
	Authorize Authorizer
}

func NewServer(q Queue) *Server {
	return &Server{Queue: q}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, adminErrUnauthorized, "request is not authorized")
		return
	}

	switch r.URL.Path {
	case "/v1/requests/pending":
		s.handleIDs(w, r, s.Queue.NotHandledRequestIDs)
	case "/v1/requests/unnotified":
		s.handleIDs(w, r, s.Queue.NotNotifiedRequestIDs)
	case "/v1/requests/notified":
		s.handleIDs(w, r, s.Queue.NotifiedRequestIDs)
	case "/v1/requests":
		switch r.Method {
		case http.MethodPost:
			s.handleEnqueue(w, r)
		case http.MethodDelete:
			s.handlePurge(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, adminErrMethodNotAllowed, "method must be POST or DELETE")
		}
	default:
		writeError(w, http.StatusNotFound, adminErrNotFound, "unknown admin path")
	}
}

type idsResponse struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleIDs(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]int64, error)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, adminErrMethodNotAllowed, "method must be GET")
		return
	}
	ids, err := list(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, adminErrStoreUnavailable, err.Error())
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, idsResponse{IDs: ids})
}

type enqueueRequest struct {
	Requests     []enqueueItem `json:"requests"`
	FailIfExists bool          `json:"fail_if_exists"`
}

type enqueueItem struct {
	ID         int64  `json:"id"`
	PayloadB64 string `json:"payload_b64"`
}

type enqueueResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSONBodyStrict(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, adminErrInvalidBody, "requests must not be empty")
		return
	}

	reqs := make([]queue.Request, 0, len(req.Requests))
	for _, item := range req.Requests {
		payload, err := base64.StdEncoding.DecodeString(item.PayloadB64)
		if err != nil {
			writeError(w, http.StatusBadRequest, adminErrInvalidBody, "invalid payload_b64: "+err.Error())
			return
		}
		reqs = append(reqs, queue.Request{ID: item.ID, Data: payload})
	}

	if err := s.Queue.Add(r.Context(), reqs, req.FailIfExists); err != nil {
		if errors.Is(err, queue.ErrRequestExists) {
			writeError(w, http.StatusConflict, adminErrDuplicateID, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, adminErrStoreUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{Accepted: len(reqs)})
}

type purgeResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.DeleteAll(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, adminErrStoreUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Deleted: n})
}

type errorResponse struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBodyStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, adminErrInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, adminErrInvalidBody, "invalid JSON body: trailing JSON document is not allowed")
		return false
	}
	return true
}
