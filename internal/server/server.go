// Package server exposes the recommendation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mfenderov/campuscal/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner runs the pipeline once.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Runner          Runner
	Gatherer        prometheus.Gatherer // nil disables /metrics
	PipelineTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	config Config
	mux    *http.ServeMux
}

// New constructs a new Server.
func New(config Config) *Server {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = BodyLimit(s.config.MaxBodyBytes)(h)
	h = CORS(s.config.AllowedOrigins)(h)
	h = Logging(h)
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /hello-world", s.handleHello)
	s.mux.HandleFunc("POST /process-text", s.handleProcess)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.config.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
}

type textResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, textResponse{Text: "hello world"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// processRequest is the body of POST /process-text. The text field must be
// present but its value, null included, is ignored; the other fields
// override the server's configured defaults.
type processRequest struct {
	Text   json.RawMessage `json:"text"`
	Year   int             `json:"year"`
	Month  int             `json:"month"`
	Email  string          `json:"email"`
	DryRun bool            `json:"dry_run"`
}

type failure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type processResponse struct {
	Text     string    `json:"text"`
	Selected []string  `json:"selected"`
	Booked   []string  `json:"booked"` // empty on dry runs
	Failed   []failure `json:"failed"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Text) == 0 {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	ctx := r.Context()
	if s.config.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PipelineTimeout)
		defer cancel()
	}

	result, err := s.config.Runner.Run(ctx, pipeline.Request{
		Year:    body.Year,
		Month:   body.Month,
		Invitee: body.Email,
		DryRun:  body.DryRun,
	})
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	resp := processResponse{
		Text:     result.Summary(),
		Selected: []string{},
		Booked:   []string{},
		Failed:   []failure{},
	}
	for _, sel := range result.Selected {
		resp.Selected = append(resp.Selected, sel.Event.Name)
	}
	for _, b := range result.Bookings {
		if b.OK() {
			resp.Booked = append(resp.Booked, b.Event.Name)
			continue
		}
		resp.Failed = append(resp.Failed, failure{Name: b.Event.Name, Error: b.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a pipeline error to a status code and a client message.
func statusFor(err error) (int, string) {
	switch pipeline.Kind(err) {
	case pipeline.KindInvalid:
		return http.StatusBadRequest, err.Error()
	case pipeline.KindUnavailable:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable, "pipeline timed out"
		}
		return http.StatusServiceUnavailable, "upstream service unavailable, retry later"
	case pipeline.KindMalformed:
		return http.StatusBadGateway, "upstream service returned malformed data"
	default:
		slog.Error("unexpected pipeline error", "error", err)
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
