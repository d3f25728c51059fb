package logchain

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server exposes the HTTP surface: submission, registry operations, and the
// query/export endpoints the verifier reads. All binary fields travel as
// lower-case hex.
type Server struct {
	cfg      Config
	store    Store
	ingestor *Ingestor
	registry *Registry
	limiter  *slidingLimiter
	log      *slog.Logger
}

// NewServer wires the ingest pipeline, registry, and rate limiter over st.
func NewServer(cfg Config, st Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		ingestor: NewIngestor(st, cfg.RequireRegistration, log),
		registry: NewRegistry(st),
		limiter:  newSlidingLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		log:      log,
	}
}

// Router builds the HTTP routes with request logging, body caps, and the
// submit-side bearer/rate-limit gates.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.With(s.rateLimit, s.requireBearer).Post("/submit", s.HandleSubmit)
	r.Post("/agents/register", s.HandleRegister)
	r.Post("/agents/rotate", s.HandleRotate)
	r.Get("/batches", s.HandleListBatches)
	r.Get("/batches/checkpoints", s.HandleCheckpoints)
	r.Get("/batches/export", s.HandleExport)
	r.Get("/batches/{id}", s.HandleGetBatch)
	return r
}

// ListenAndServe runs the server until an error occurs.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", "addr", s.cfg.Addr)
	return srv.ListenAndServe()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SubmitBearerToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.cfg.SubmitBearerToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				s.writeError(w, ErrUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HandleSubmit handles POST /submit.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub Submission
	body := http.MaxBytesReader(w, r.Body, s.maxBody())
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	res, err := s.ingestor.Submit(r.Context(), &sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRegister handles POST /agents/register.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string   `json:"agent_id"`
		PublicKey HexBytes `json:"public_key"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody())).Decode(&req); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	if err := s.registry.Register(r.Context(), req.AgentID, req.PublicKey); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "agent_id": req.AgentID})
}

// HandleRotate handles POST /agents/rotate.
func (s *Server) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID           string   `json:"agent_id"`
		NewPublicKey      HexBytes `json:"new_public_key"`
		RotationSignature HexBytes `json:"rotation_signature"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody())).Decode(&req); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	err := s.registry.Rotate(r.Context(), req.AgentID, req.NewPublicKey, req.RotationSignature)
	if err != nil {
		// On this endpoint an unknown agent is a missing resource.
		if errors.Is(err, ErrUnknownAgent) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown_agent", Message: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated", "agent_id": req.AgentID})
}

// HandleListBatches handles GET /batches with the standard filters.
func (s *Server) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := BatchFilter{
		AgentID:      q.Get("agent_id"),
		LogSubstring: q.Get("log_substring"),
	}
	var err error
	if f.SinceSeq, err = parseUint(q.Get("since_seq")); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	if f.SinceTimestamp, err = parseInt(q.Get("since_timestamp")); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	if f.UntilTimestamp, err = parseInt(q.Get("until_timestamp")); err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	offset, err := parseInt(q.Get("offset"))
	if err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	f.Limit, f.Offset = int(limit), int(offset)

	batches, err := s.store.ListBatches(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchesOrEmpty(batches))
}

// HandleGetBatch handles GET /batches/{id}, where id is either the internal
// row id or a 64-character hex hash.
func (s *Server) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	var sb *StoredBatch
	if h, err := ParseHash(ref); err == nil {
		sb, err = s.store.BatchByHash(r.Context(), h)
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			s.writeError(w, errors.Join(ErrMalformed, errors.New("id must be a row id or a 64-character hex hash")))
			return
		}
		sb, err = s.store.BatchByID(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sb)
}

// HandleCheckpoints handles GET /batches/checkpoints.
func (s *Server) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.store.Checkpoints(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cps == nil {
		cps = []Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

// HandleExport handles GET /batches/export with cursor pagination.
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterID, err := parseInt(q.Get("after_id"))
	if err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		s.writeError(w, errors.Join(ErrMalformed, err))
		return
	}
	batches, err := s.store.Export(r.Context(), afterID, int(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchesOrEmpty(batches))
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBodyBytes > 0 {
		return s.cfg.MaxBodyBytes
	}
	return 1 << 20
}

type errorBody struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	ExpectedSeq      uint64 `json:"expected_seq,omitempty"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
}

// writeError maps the error taxonomy onto status codes and structured
// bodies. Chain violations carry the expected head so agents can
// resynchronize; storage internals never leak.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var cv *ChainViolationError
	switch {
	case errors.As(err, &cv):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:            "chain_violation",
			Message:          cv.Error(),
			ExpectedSeq:      cv.ExpectedSeq,
			ExpectedPrevHash: cv.ExpectedPrevHash.String(),
		})
	case errors.Is(err, ErrMalformed):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed", Message: err.Error()})
	case errors.Is(err, ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing or invalid bearer token"})
	case errors.Is(err, ErrUnknownAgent):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "unknown_agent", Message: err.Error()})
	case errors.Is(err, ErrBadSignature):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "bad_signature", Message: err.Error()})
	case errors.Is(err, ErrAlreadyRegistered):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_registered", Message: err.Error()})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "transient", Message: "storage busy, retry with backoff"})
	default:
		s.log.Error("internal error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func batchesOrEmpty(b []StoredBatch) []StoredBatch {
	if b == nil {
		return []StoredBatch{}
	}
	return b
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
