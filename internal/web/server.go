// Package web is the Router component (C8): request parsing, shape
// validation, rate limiting, signature verification, delegation to
// the store and trust engine, and error-envelope assembly. It is the
// only package that speaks HTTP.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	validator "github.com/letsencrypt/validator/v10"
	"github.com/jmhodges/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kredo-project/kredo/internal/kerrors"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/store"
	"github.com/kredo-project/kredo/internal/taxonomy"
	"github.com/kredo-project/kredo/internal/trust"
	"github.com/kredo-project/kredo/metrics"
	"github.com/kredo-project/kredo/metrics/measured_http"
)

const version = "1.0"

// Server holds every dependency the Router's handlers call into. It
// has no exported mutable state beyond what its components own.
type Server struct {
	store    *store.Store
	engine   *trust.Engine
	taxo     *taxonomy.Registry
	limiter  *ratelimit.Limiter
	validate *validator.Validate
	clk      clock.Clock
	log      *zap.Logger
	scope    metrics.Scope

	corsOrigins  map[string]bool
	maxBodyBytes int64
}

// Config carries the request-handling knobs the router needs, kept
// distinct from internal/config.Config so this package never imports
// the env-decoding layer directly.
type Config struct {
	CORSAllowOrigins []string
	MaxBodyBytes     int64
}

func New(st *store.Store, engine *trust.Engine, taxo *taxonomy.Registry, limiter *ratelimit.Limiter,
	clk clock.Clock, log *zap.Logger, scope metrics.Scope, cfg Config) *Server {
	origins := make(map[string]bool, len(cfg.CORSAllowOrigins))
	for _, o := range cfg.CORSAllowOrigins {
		origins[o] = true
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 65536
	}
	return &Server{
		store: st, engine: engine, taxo: taxo, limiter: limiter,
		validate: validator.New(), clk: clk, log: log, scope: scope,
		corsOrigins: origins, maxBodyBytes: maxBody,
	}
}

// Handler builds the full HTTP surface, wrapped in tracing and
// per-endpoint response-time metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /register", s.handleRegisterUnsigned)
	mux.HandleFunc("POST /register/update", s.handleRegisterUpdate)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{pubkey}", s.handleGetAgent)
	mux.HandleFunc("GET /agents/{pubkey}/profile", s.handleProfile)

	mux.HandleFunc("POST /attestations", s.handleCreateAttestation)
	mux.HandleFunc("GET /attestations/{id}", s.handleGetAttestation)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /search", s.handleSearch)

	mux.HandleFunc("GET /trust/who-attested/{pubkey}", s.handleWhoAttested)
	mux.HandleFunc("GET /trust/attested-by/{pubkey}", s.handleAttestedBy)
	mux.HandleFunc("GET /trust/analysis/{pubkey}", s.handleTrustAnalysis)
	mux.HandleFunc("GET /trust/rings", s.handleTrustRings)
	mux.HandleFunc("GET /trust/network-health", s.handleNetworkHealth)

	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("POST /dispute", s.handleDispute)

	mux.HandleFunc("POST /ownership/claim", s.handleOwnershipClaim)
	mux.HandleFunc("POST /ownership/confirm", s.handleOwnershipConfirm)
	mux.HandleFunc("POST /ownership/revoke", s.handleOwnershipRevoke)
	mux.HandleFunc("GET /ownership/agent/{pubkey}", s.handleOwnershipForAgent)

	mux.HandleFunc("POST /integrity/baseline/set", s.handleIntegrityBaselineSet)
	mux.HandleFunc("POST /integrity/check", s.handleIntegrityCheck)
	mux.HandleFunc("GET /integrity/status/{pubkey}", s.handleIntegrityStatus)

	mux.HandleFunc("GET /taxonomy", s.handleTaxonomyDomains)
	mux.HandleFunc("GET /taxonomy/{domain}", s.handleTaxonomySkills)
	mux.HandleFunc("POST /taxonomy/domains", s.handleCreateTaxonomyDomain)
	mux.HandleFunc("POST /taxonomy/skills", s.handleCreateTaxonomySkill)
	mux.HandleFunc("DELETE /taxonomy/{domain}", s.handleDeleteTaxonomyDomain)

	mux.HandleFunc("GET /risk/source-anomalies", s.handleSourceAnomalies)

	measured := measured_http.New(mux, s.clk)
	traced := otelhttp.NewHandler(measured, "kredo")
	return s.withCORS(traced)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(s.corsOrigins) == 0 || s.corsOrigins[origin]) {
			if len(s.corsOrigins) > 0 {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

// auditContext builds the store.AuditContext for the inbound request.
func (s *Server) auditContext(r *http.Request) store.AuditContext {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}
	return store.AuditContext{SourceIP: ip, UserAgent: r.Header.Get("User-Agent")}
}

// decodeWriteBody reads and JSON-decodes a write request body,
// enforcing MaxBodyBytes. A malformed body still leaves an audit row,
// since every write attempt is logged.
func (s *Server) decodeWriteBody(w http.ResponseWriter, r *http.Request, action string, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		s.failWrite(w, r, action, "", kerrors.ValidationError("malformed request body: %v", err))
		return false
	}
	return true
}

// failWrite audits a write request rejected before it reached the
// store, then writes its error envelope. Store-level rejections audit
// inside their own transaction instead.
func (s *Server) failWrite(w http.ResponseWriter, r *http.Request, action, actor string, err error) {
	outcome := "server_error"
	if kErr, ok := err.(*kerrors.Kredo); ok {
		outcome = kErr.Kind.EnvelopeKind()
	}
	var actorPtr *string
	if actor != "" {
		actorPtr = &actor
	}
	if auditErr := s.store.RecordAudit(store.NewAuditEvent(s.auditContext(r), action, outcome, actorPtr, "")); auditErr != nil {
		s.log.Error("recording audit row", zap.Error(auditErr))
	}
	s.scope.Inc("requests.rejected", 1)
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the shared shape of every non-2xx response body.
type errorEnvelope struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	Details          string `json:"details,omitempty"`
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
}

// writeError translates err into the HTTP status and envelope kind
// for its kerrors.Kind, falling back to server_error for any
// error that isn't a *kerrors.Kredo.
func writeError(w http.ResponseWriter, err error) {
	kErr, ok := err.(*kerrors.Kredo)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, kErr.Kind.HTTPStatus(), errorEnvelope{Error: kErr.Kind.EnvelopeKind(), Message: kErr.Detail})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		Error: "rate_limited", Message: "rate limit exceeded",
		RetryAfterSeconds: int(retryAfter.Seconds()) + 1,
	})
}

// checkRateLimit checks class/key and, if exceeded, audits the
// rejection, writes the 429 envelope, and reports false so the caller
// returns immediately. actor names the pubkey for the audit row; it
// is empty for IP-keyed classes.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, action string, class ratelimit.Class, key, actor string) bool {
	allowed, retryAfter, err := s.limiter.Allow(r.Context(), class, key)
	if err != nil {
		s.failWrite(w, r, action, actor, kerrors.ServerErrorError("rate limiter: %v", err))
		return false
	}
	if !allowed {
		var actorPtr *string
		if actor != "" {
			actorPtr = &actor
		}
		if auditErr := s.store.RecordAudit(store.NewAuditEvent(s.auditContext(r), action, "rate_limited", actorPtr, "")); auditErr != nil {
			s.log.Error("recording audit row", zap.Error(auditErr))
		}
		s.scope.Inc("requests.rate_limited", 1)
		writeRateLimited(w, retryAfter)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
