package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mqlite/mqlite/internal/broker"
	"github.com/mqlite/mqlite/internal/queue"
)

// Options bound the per-request knobs a client may ask for.
type Options struct {
	ReceiveMax  int           // upper bound for a receive batch
	WaitTimeMax time.Duration // upper bound for long-poll waits
}

type Server struct {
	broker  *broker.Broker
	opts    Options
	logger  *zap.Logger
	timeout time.Duration
}

func NewServer(addr string, b *broker.Broker, opts Options, logger *zap.Logger) *http.Server {
	if opts.ReceiveMax <= 0 {
		opts.ReceiveMax = 10
	}
	if opts.WaitTimeMax <= 0 {
		opts.WaitTimeMax = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		broker:  b,
		opts:    opts,
		logger:  logger,
		timeout: opts.WaitTimeMax + 5*time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// queue lifecycle
		r.Get("/queues", srv.handleListQueues)
		r.Put("/queues/{queue}", srv.handleCreateQueue)
		r.Delete("/queues/{queue}", srv.handleDeleteQueue)

		// send: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleSend)

		// receive: POST /v1/queues/{queue}:receive
		r.Post("/queues/{queue}:receive", srv.handleReceive)

		// ack: POST /v1/queues/{queue}/messages:ack
		r.Post("/queues/{queue}/messages:ack", srv.handleAck)

		// visibility: POST /v1/queues/{queue}/messages/{id}:visibility
		r.Post("/queues/{queue}/messages/{id}:visibility", srv.handleVisibility)

		// lookup: GET /v1/queues/{queue}/messages/{id}
		r.Get("/queues/{queue}/messages/{id}", srv.handleLookup)
	})

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

type createQueueRequest struct {
	FIFO         bool   `json:"fifo,omitempty"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
	DLQ          string `json:"dlq,omitempty"`
	MaxReceive   int    `json:"max_receive,omitempty"`
}

type queueInfo struct {
	Name      string `json:"name"`
	FIFO      bool   `json:"fifo"`
	Depth     int    `json:"depth"`
	Available int    `json:"available"`
	InFlight  int    `json:"in_flight"`
}

type sendRequest struct {
	Body       json.RawMessage   `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
	DedupID    string            `json:"dedup_id,omitempty"`
}

type sendResponse struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated"`
}

type receiveRequest struct {
	Max          int   `json:"max"`           // e.g., 1..10
	VisibilityMS int64 `json:"visibility_ms"` // 0 = queue default
	WaitMS       int64 `json:"wait_ms"`       // 0 = return immediately
}

type receivedMessage struct {
	ID           string            `json:"id"`
	Body         json.RawMessage   `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	GroupID      string            `json:"group_id,omitempty"`
	Receipt      string            `json:"receipt"`
	ReceiveCount int               `json:"receive_count"`
	FirstReceive *time.Time        `json:"first_receive,omitempty"`
	NextDelivery int64             `json:"next_delivery_ms"`
}

type ackRequest struct {
	Receipt string `json:"receipt"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

type visibilityRequest struct {
	VisibilityMS int64 `json:"visibility_ms"`
}

// ---------- Handlers ----------

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	if qname == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return
	}
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	h, err := s.broker.CreateQueue(broker.QueueConfig{
		Name:              qname,
		FIFO:              req.FIFO,
		VisibilityTimeout: time.Duration(req.VisibilityMS) * time.Millisecond,
		DeadLetterQueue:   req.DLQ,
		MaxReceiveCount:   req.MaxReceive,
	})
	if errors.Is(err, broker.ErrQueueExists) {
		httpError(w, http.StatusConflict, "queue %q already exists", qname)
		return
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "create queue failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, queueInfoFromHandle(h))
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	if err := s.broker.DeleteQueue(qname); err != nil {
		httpError(w, http.StatusNotFound, "queue %q not found", qname)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	infos := s.broker.ListQueues()
	resp := make([]queueInfo, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, queueInfo{
			Name:      info.Name,
			FIFO:      info.FIFO,
			Depth:     info.Stats.Depth,
			Available: info.Stats.Available,
			InFlight:  info.Stats.InFlight,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	h, ok := s.queueFromPath(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.Body) == 0 || string(req.Body) == "null" {
		httpError(w, http.StatusBadRequest, "`body` is required")
		return
	}

	// A dedup hit returns the existing message's data with its original id.
	data, deduplicated := h.Send(queue.SendRequest{
		Body:       []byte(req.Body),
		Attributes: req.Attributes,
		GroupID:    req.GroupID,
		DedupID:    req.DedupID,
	})
	writeJSON(w, http.StatusCreated, &sendResponse{
		ID:           data.ID,
		Deduplicated: deduplicated,
	})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	h, ok := s.queueFromPath(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Max <= 0 || req.Max > s.opts.ReceiveMax {
		req.Max = 1
	}
	vis := time.Duration(req.VisibilityMS) * time.Millisecond
	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait > s.opts.WaitTimeMax {
		wait = s.opts.WaitTimeMax
	}

	out, err := h.ReceiveWait(r.Context(), vis, req.Max, wait)
	if err != nil {
		s.logger.Debug("receive wait aborted", zap.String("queue", h.Name()), zap.Error(err))
		httpError(w, http.StatusServiceUnavailable, "receive aborted: %v", err)
		return
	}

	resp := make([]receivedMessage, 0, len(out))
	for _, m := range out {
		resp = append(resp, receivedMessage{
			ID:           m.ID,
			Body:         json.RawMessage(m.Body),
			Attributes:   m.Attributes,
			GroupID:      m.GroupID,
			Receipt:      m.Receipt,
			ReceiveCount: m.ReceiveCount,
			FirstReceive: m.FirstReceive,
			NextDelivery: m.NextDelivery,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	h, ok := s.queueFromPath(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Receipt == "" {
		httpError(w, http.StatusBadRequest, "`receipt` is required")
		return
	}

	// Stale or unknown receipts are an idempotent no-op, not an error.
	deleted := h.Delete(req.Receipt)
	writeJSON(w, http.StatusOK, &ackResponse{OK: deleted})
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	h, ok := s.queueFromPath(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	err := h.ChangeVisibility(id, time.Duration(req.VisibilityMS)*time.Millisecond)
	if errors.Is(err, queue.ErrMessageDoesNotExist) {
		httpError(w, http.StatusNotFound, "message %q not found", id)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "visibility change failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &ackResponse{OK: true})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	h, ok := s.queueFromPath(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	m, found := h.Lookup(id)
	if !found {
		httpError(w, http.StatusNotFound, "message %q not found", id)
		return
	}
	writeJSON(w, http.StatusOK, receivedMessage{
		ID:           m.ID,
		Body:         json.RawMessage(m.Body),
		Attributes:   m.Attributes,
		GroupID:      m.GroupID,
		Receipt:      m.Receipt,
		ReceiveCount: m.ReceiveCount,
		FirstReceive: m.FirstReceive,
		NextDelivery: m.NextDelivery,
	})
}

// ---------- helpers ----------

func (s *Server) queueFromPath(w http.ResponseWriter, r *http.Request) (*broker.Handle, bool) {
	qname := chi.URLParam(r, "queue")
	if qname == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return nil, false
	}
	h, ok := s.broker.GetQueue(qname)
	if !ok {
		httpError(w, http.StatusNotFound, "queue %q not found", qname)
		return nil, false
	}
	return h, true
}

func queueInfoFromHandle(h *broker.Handle) queueInfo {
	stats := h.Stats()
	return queueInfo{
		Name:      h.Name(),
		FIFO:      h.FIFO(),
		Depth:     stats.Depth,
		Available: stats.Available,
		InFlight:  stats.InFlight,
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
