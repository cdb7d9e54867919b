package ffserver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ffaaslite/go-ffaas/internal/endpoints"
	"github.com/ffaaslite/go-ffaas/internal/realtime"

	"github.com/gorilla/mux"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const maxRequestBodySize = 1 << 20

// HandlerConfig configures the HTTP API.
type HandlerConfig struct {
	Service     *Service
	Broadcaster *realtime.Broadcaster

	// StreamWriteTimeout bounds each write to a stream subscriber. Zero selects
	// realtime.DefaultWriteTimeout.
	StreamWriteTimeout time.Duration

	// ActorResolver returns the identity recorded in the audit log for a mutation. The default
	// reads the X-Ffaas-Actor header, and uses SystemActor if it is empty.
	ActorResolver func(*http.Request) string

	// MetricsHandler, if set, is served at /metrics.
	MetricsHandler http.Handler

	Loggers ldlog.Loggers
}

type apiHandler struct {
	service      *Service
	resolveActor func(*http.Request) string
	loggers      ldlog.Loggers
}

// DefaultActorResolver reads the actor from the X-Ffaas-Actor header.
func DefaultActorResolver(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(endpoints.ActorHeader)); actor != "" {
		return actor
	}
	return SystemActor
}

// NewHandler returns the HTTP API.
func NewHandler(cfg HandlerConfig) http.Handler {
	h := &apiHandler{
		service:      cfg.Service,
		resolveActor: cfg.ActorResolver,
		loggers:      cfg.Loggers,
	}
	if h.resolveActor == nil {
		h.resolveActor = DefaultActorResolver
	}

	// Keys may contain characters that must be escaped in a path, such as "/", so routes are
	// matched against the escaped path and the key is unescaped by flagKey.
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc(endpoints.HealthPath, h.getHealth).Methods(http.MethodGet)
	router.HandleFunc(endpoints.FlagsPath, h.getFlags).Methods(http.MethodGet)
	router.HandleFunc(endpoints.FlagsPath, h.postFlag).Methods(http.MethodPost)
	router.HandleFunc(endpoints.FlagPathTemplate, h.getFlag).Methods(http.MethodGet)
	router.HandleFunc(endpoints.FlagPathTemplate, h.putFlag).Methods(http.MethodPut)
	router.HandleFunc(endpoints.FlagPathTemplate, h.deleteFlag).Methods(http.MethodDelete)
	router.HandleFunc(endpoints.EvaluatePathTemplate, h.postEvaluate).Methods(http.MethodPost)
	router.HandleFunc(endpoints.AuditPath, h.getAudit).Methods(http.MethodGet)
	router.Handle(endpoints.StreamPath, cfg.Broadcaster.StreamHandler(cfg.StreamWriteTimeout)).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		router.Handle(endpoints.MetricsPath, cfg.MetricsHandler).Methods(http.MethodGet)
	}
	return router
}

func (h *apiHandler) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

func (h *apiHandler) getFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	writeCacheable(w, r, marshalFlags(flags))
}

func (h *apiHandler) getFlag(w http.ResponseWriter, r *http.Request) {
	key, err := flagKey(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	flag, err := h.service.Get(r.Context(), key)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	writeCacheable(w, r, marshalFlag(flag))
}

func (h *apiHandler) postFlag(w http.ResponseWriter, r *http.Request) {
	def, err := readDefinition(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	flag, err := h.service.Create(r.Context(), h.resolveActor(r), def.input())
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	w.Header().Set("Location", endpoints.FlagPath(flag.Key))
	writeJSON(w, http.StatusCreated, marshalFlag(flag))
}

func (h *apiHandler) putFlag(w http.ResponseWriter, r *http.Request) {
	key, err := flagKey(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	def, err := readDefinition(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	flag, err := h.service.Update(r.Context(), h.resolveActor(r), key, def.update())
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	writeJSON(w, http.StatusOK, marshalFlag(flag))
}

func (h *apiHandler) deleteFlag(w http.ResponseWriter, r *http.Request) {
	key, err := flagKey(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	if err := h.service.Delete(r.Context(), h.resolveActor(r), key); err != nil {
		writeError(w, err, h.loggers)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) postEvaluate(w http.ResponseWriter, r *http.Request) {
	key, err := flagKey(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	evalContext, err := parseEvalContext(body)
	if err != nil {
		writeError(w, badRequest{err}, h.loggers)
		return
	}
	result, err := h.service.Evaluate(r.Context(), key, evalContext)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	data, _ := result.MarshalJSON()
	writeJSON(w, http.StatusOK, data)
}

func (h *apiHandler) getAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, &ValidationError{Field: "limit", Message: "must be a non-negative integer"}, h.loggers)
			return
		}
		limit = n
	}
	entries, err := h.service.Audit(r.Context(), limit)
	if err != nil {
		writeError(w, err, h.loggers)
		return
	}
	writeJSON(w, http.StatusOK, marshalAudit(entries))
}

func flagKey(r *http.Request) (string, error) {
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil {
		return "", &ValidationError{Field: "key", Message: "invalid path escape"}
	}
	return key, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		return nil, badRequest{err}
	}
	return body, nil
}

func readDefinition(r *http.Request) (flagDefinition, error) {
	body, err := readBody(r)
	if err != nil {
		return flagDefinition{}, err
	}
	def, err := parseFlagDefinition(body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return flagDefinition{}, err
		}
		return flagDefinition{}, badRequest{err}
	}
	return def, nil
}

// writeCacheable writes a JSON body with a strong ETag, or 304 if the request's If-None-Match
// already names it.
func writeCacheable(w http.ResponseWriter, r *http.Request, body []byte) {
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func etagMatches(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
