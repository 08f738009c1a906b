// Package api is the HTTP transport adapter for the SCEP CA engine. It owns
// nothing but plumbing: operation dispatch, payload extraction, status
// mapping and request logging. All protocol semantics live in the ca package.
package api

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/scepd/ca"
)

// maxMessageSize bounds PKIOperation payloads. SCEP messages are a few KB;
// anything near this limit is garbage.
const maxMessageSize = 1 << 20

// API holds the dependencies needed by the SCEP transport handlers.
type API struct {
	engine  *ca.Engine
	log     *slog.Logger
	metrics *metrics
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request logging.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.log = logger }
}

// New creates a new API instance around the given engine.
func New(engine *ca.Engine, opts ...Option) *API {
	a := &API{
		engine:  engine,
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with the SCEP endpoint and operational routes.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/scep", a.handleSCEP)
	r.Post("/scep", a.handleSCEP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.handler())

	return r
}

func (a *API) handleSCEP(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("operation")
	requestID := uuid.NewString()

	var resp *ca.Response
	switch op {
	case ca.OpGetCACaps:
		resp = a.engine.Caps()
	case ca.OpGetCACert:
		resp = a.engine.CACert()
	case ca.OpGetCRL:
		resp = a.engine.CRL()
	case ca.OpPKIOperation:
		message, err := readMessage(r)
		if err != nil {
			a.log.Warn("unreadable PKIOperation payload",
				"request_id", requestID, "error", err)
			a.metrics.observe(op, "bad_request")
			http.Error(w, "unreadable message", http.StatusBadRequest)
			return
		}
		resp = a.engine.PKIOperation(message)
	default:
		a.metrics.observe("unknown", "bad_request")
		http.Error(w, "unknown operation", http.StatusNotFound)
		return
	}

	status, outcome := classify(resp.Outcome)
	a.metrics.observe(op, outcome)
	a.log.Info("scep operation",
		"request_id", requestID,
		"operation", op,
		"outcome", outcome,
		"bytes", len(resp.Data))

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(status)
	w.Write(resp.Data)
}

// readMessage extracts the PKIOperation payload: the POST body, or the
// base64-encoded message query parameter on GET.
func readMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodPost {
		return io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	}
	// Clients that leave '+' unescaped in the query string arrive here with
	// spaces after query parsing; base64 never contains a space, restore it.
	message := strings.ReplaceAll(r.URL.Query().Get("message"), " ", "+")
	return base64.StdEncoding.DecodeString(message)
}

func classify(o ca.Outcome) (status int, label string) {
	switch o {
	case ca.OutcomeBadRequest:
		return http.StatusBadRequest, "bad_request"
	case ca.OutcomeServerError:
		return http.StatusInternalServerError, "server_error"
	default:
		return http.StatusOK, "success"
	}
}
