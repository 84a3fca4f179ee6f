package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bankist.org/internal/auth"
	"bankist.org/internal/bank"
	"bankist.org/internal/obs"
	"bankist.org/internal/store/pg"
	"bankist.org/internal/stream"
)

const serviceName = "bankist-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the optional backing services.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// AuditLister serves the stored audit trail.
type AuditLister interface {
	ListAudit(ctx context.Context, username string, limit int, afterSeq uint64) ([]pg.AuditRecord, uint64, error)
}

// API is the HTTP layer over a bank.
type API struct {
	mux          *http.ServeMux
	bank         *bank.Bank
	issuer       *auth.Issuer
	stream       *stream.Stream
	auditLog     AuditLister
	readyProbe   readinessChecker
	version      string
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

// Option configures API.
type Option func(*API)

func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }
func WithAuditLog(l AuditLister) Option { return func(a *API) { a.auditLog = l } }
func WithReadyProbe(rc readinessChecker) Option { return func(a *API) { a.readyProbe = rc } }
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithRateLimit sets the per-IP token bucket. Zero disables limiting.
func WithRateLimit(burst, perSec int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSec
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(b *bank.Bank, issuer *auth.Issuer, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		bank:         b,
		issuer:       issuer,
		readyProbe:   ReadyProbe{},
		rateBurst:    20,
		ratePerSec:   10,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.HandleFunc("/v1/transfers", a.handleTransfers)
	a.mux.HandleFunc("/v1/loans", a.handleLoans)
	a.mux.HandleFunc("/v1/loans/pending", a.handlePendingLoans)
	a.mux.HandleFunc("/v1/account/close", a.handleCloseAccount)
	a.mux.HandleFunc("/v1/movements", a.handleMovements)
	a.mux.HandleFunc("/v1/movements/sort", a.handleSort)
	a.mux.HandleFunc("/v1/ledger/postings", a.handlePostings)
	a.mux.HandleFunc("/v1/audit", a.handleAudit)
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                    serviceName,
		"time":                    time.Now().UTC().Format(time.RFC3339),
		"version":                 a.version,
		"session_timeout_seconds": a.bank.SessionTimeout().Seconds(),
		"loan_delay_seconds":      a.bank.LoanDelay().Seconds(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
