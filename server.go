package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"i4.energy/across/atclient/at"
	"i4.energy/across/atclient/catalog"
	"i4.energy/across/atclient/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured client instance
type Server struct {
	Logger  *slog.Logger
	Client  *modem.Client
	Catalog *catalog.Catalog
	Events  *eventLog
	// Timeout applies to raw commands and SMS submission
	Timeout time.Duration

	router chi.Router
}

// NewServer creates a Server and its routes.
func NewServer(logger *slog.Logger, client *modem.Client, cat *catalog.Catalog, events *eventLog, timeout time.Duration) *Server {
	s := &Server{
		Logger:  logger,
		Client:  client,
		Catalog: cat,
		Events:  events,
		Timeout: timeout,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/commands", s.handleListCommands)
	r.Post("/commands/{name}", s.handleCommand)
	r.Post("/raw", s.handleRaw)
	r.Post("/sms", s.handleSMS)
	r.Get("/last", s.handleLast)
	r.Get("/events", s.handleEvents)

	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

// clientErrorStatus maps errors returned while talking to the client.
func clientErrorStatus(err error) int {
	switch {
	case errors.Is(err, modem.ErrNotRunning), errors.Is(err, modem.ErrStopped),
		errors.Is(err, modem.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, at.ErrInvalidCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type resolutionResponse struct {
	ID         uuid.UUID  `json:"id"`
	Command    string     `json:"command"`
	Outcome    at.Outcome `json:"outcome"`
	Response   string     `json:"response,omitempty"`
	Text       string     `json:"text,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ResolvedAt time.Time  `json:"resolved_at"`
	ElapsedMS  int64      `json:"elapsed_ms"`
}

func newResolutionResponse(r modem.Resolution) resolutionResponse {
	resp := resolutionResponse{
		ID:         r.ID,
		Outcome:    r.Outcome,
		Text:       r.Text,
		IssuedAt:   r.IssuedAt,
		ResolvedAt: r.ResolvedAt,
		ElapsedMS:  r.Elapsed().Milliseconds(),
	}
	if r.Command != nil {
		resp.Command = r.Command.Name
	}
	if r.Response != nil {
		resp.Response = r.Response.Name()
	}
	return resp
}

// outcomeStatus is 200 for Success, 502 when the device reported an error
// and 504 when it did not answer in time.
func outcomeStatus(o at.Outcome) int {
	switch o {
	case at.Success:
		return http.StatusOK
	case at.Error:
		return http.StatusBadGateway
	default:
		return http.StatusGatewayTimeout
	}
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request, cmd *at.Command) {
	res, err := s.Client.Exec(r.Context(), cmd)
	if err != nil {
		s.Logger.Error("Failed to execute command", "error", err, "command", cmd.Name)
		s.sendError(w, err.Error(), clientErrorStatus(err))
		return
	}
	s.sendJSON(w, newResolutionResponse(res), outcomeStatus(res.Outcome))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type HealthResponse struct {
		Running bool `json:"running"`
		Busy    bool `json:"busy"`
	}
	resp := HealthResponse{Running: s.Client.Running(), Busy: s.Client.Busy()}
	status := http.StatusOK
	if !resp.Running {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, resp, status)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	type CommandInfo struct {
		Name    string   `json:"name"`
		Payload string   `json:"payload"`
		Success string   `json:"success"`
		Errors  []string `json:"errors,omitempty"`
		Timeout string   `json:"timeout"`
	}

	names := s.Catalog.CommandNames()
	resp := make([]CommandInfo, 0, len(names))
	for _, name := range names {
		cmd, err := s.Catalog.Command(name)
		if err != nil {
			continue
		}
		info := CommandInfo{
			Name:    cmd.Name,
			Payload: string(cmd.Payload),
			Success: cmd.Success.Name(),
			Timeout: cmd.Timeout.String(),
		}
		for _, e := range cmd.Errors {
			info.Errors = append(info.Errors, e.Name())
		}
		resp = append(resp, info)
	}
	s.sendJSON(w, resp, http.StatusOK)
}

// handleCommand sends the named catalog command and reports its resolution
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := s.Catalog.Command(name)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.exec(w, r, cmd)
}

// handleRaw sends an ad-hoc command line
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	type RawRequest struct {
		Command string `json:"command"`
		// Timeout overrides the server default, e.g. "10s"
		Timeout string `json:"timeout"`
	}

	var req RawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	timeout := s.Timeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		timeout = d
	}

	cmd, err := rawCommand(req.Command, timeout)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.exec(w, r, cmd)
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	ref, err := modem.SendSMS(r.Context(), s.Client, req.To, req.Message, s.Timeout)
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		status := clientErrorStatus(err)
		switch {
		case errors.Is(err, modem.ErrInvalidRecipient), errors.Is(err, modem.ErrInvalidMessage):
			status = http.StatusBadRequest
		case errors.Is(err, modem.ErrCommandError):
			status = http.StatusBadGateway
		case errors.Is(err, modem.ErrCommandTimeout):
			status = http.StatusGatewayTimeout
		}
		s.sendError(w, err.Error(), status)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "reference", ref)

	type SMSResponse struct {
		Reference int `json:"reference"`
	}
	s.sendJSON(w, SMSResponse{Reference: ref}, http.StatusOK)
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	res, ok := s.Client.Last()
	if !ok {
		s.sendError(w, "", http.StatusNoContent)
		return
	}
	s.sendJSON(w, newResolutionResponse(res), http.StatusOK)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.Events.Recent(), http.StatusOK)
}

type eventRecord struct {
	Event      string    `json:"event"`
	Match      string    `json:"match"`
	ReceivedAt time.Time `json:"received_at"`
}

// eventLog keeps the most recent event dispatches.
type eventLog struct {
	mu      sync.Mutex
	size    int
	records []eventRecord
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size}
}

// Record is an at.EventHandler.
func (l *eventLog) Record(e *at.Event, match string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, eventRecord{Event: e.Name, Match: match, ReceivedAt: time.Now()})
	if len(l.records) > l.size {
		l.records = l.records[len(l.records)-l.size:]
	}
}

// Recent returns the recorded dispatches, oldest first.
func (l *eventLog) Recent() []eventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventRecord{}, l.records...)
}
