package server

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"podcast-sync/internal/auth"
	"podcast-sync/internal/models"
	"podcast-sync/internal/store"
)

// EpisodeStore abstracts the episode directory for the HTTP handlers.
type EpisodeStore interface {
	Visible() iter.Seq2[models.Episode, error]
	Count() (int, error)
	OpenPayload(id string) (io.ReadCloser, int64, error)
	OpenMetadata(id string) (io.ReadCloser, error)
	Delete(id string) error
}

// HeartbeatStore holds the single heartbeat record reported by clients.
type HeartbeatStore interface {
	WriteHeartbeat(value string) error
	ReadHeartbeat() (string, error)
}

// Gate decides whether a presented credential may use the endpoint.
type Gate interface {
	Authorize(credential string) error
}

// Query parameters understood by the sync endpoint.
const (
	paramSecret    = "p"
	paramGet       = "get"
	paramRemove    = "rm"
	paramRemaining = "r"
	paramPolled    = "polled"
	paramSince     = "s"
)

type serverHandler struct {
	episodes  EpisodeStore
	heartbeat HeartbeatStore
	gate      Gate
	logger    *log.Logger
}

// New creates the HTTP handler serving the sync endpoint. The endpoint answers
// on "/" and on "/podcasts.php" for clients configured with the legacy URL.
// When compress is set, plain-text responses are gzip-encoded for clients
// that accept it; downloads are always sent as-is.
func New(episodes EpisodeStore, heartbeat HeartbeatStore, gate Gate, compress bool, logger *log.Logger) (http.Handler, error) {
	if episodes == nil || heartbeat == nil {
		return nil, errors.New("episode store and heartbeat store are required")
	}
	if logger == nil {
		logger = log.Default()
	}

	h := &serverHandler{
		episodes:  episodes,
		heartbeat: heartbeat,
		gate:      gate,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/podcasts.php", h.handleSync)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleSync(w, r)
	})

	var handler http.Handler = mux
	if compress {
		wrap, err := gzhttp.NewWrapper(gzhttp.ContentTypes([]string{"text/plain"}))
		if err != nil {
			return nil, err
		}
		handler = wrap(mux)
	}

	return logRequests(handler, logger), nil
}

func (h *serverHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSync runs exactly one operation per request, chosen in the order
// download, delete, polled summary, listing. A heartbeat value is recorded
// before the summary or listing is produced.
func (h *serverHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if !h.authorize(w, r, query) {
		return
	}

	if id, ok := param(query, paramGet); ok {
		h.download(w, r, id)
		return
	}

	if id, ok := param(query, paramRemove); ok {
		h.remove(w, id)
		return
	}

	if value, ok := param(query, paramRemaining); ok {
		if err := h.heartbeat.WriteHeartbeat(value); err != nil {
			h.logger.Printf("record heartbeat: %v", err)
		}
	}

	if _, ok := param(query, paramPolled); ok {
		h.polledSummary(w)
		return
	}

	h.list(w, query)
}

func (h *serverHandler) authorize(w http.ResponseWriter, r *http.Request, query url.Values) bool {
	credential, ok := param(query, paramSecret)
	if !ok {
		h.logger.Printf("access denied for %s: no credential", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return false
	}

	if h.gate == nil {
		h.logger.Printf("access denied for %s: no secret configured", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return false
	}

	if err := h.gate.Authorize(credential); err != nil {
		// The presented value stays out of the log; its length is enough to
		// tell an empty parameter from a wrong one.
		h.logger.Printf("access denied for %s: %v (credential of %d bytes)", r.RemoteAddr, err, len(credential))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (h *serverHandler) remove(w http.ResponseWriter, id string) {
	if err := h.episodes.Delete(id); err != nil {
		h.fail(w, "delete "+id, err)
		return
	}

	writeText(w, "OK\n")
}

// fail logs err and answers with the matching status and no body.
func (h *serverHandler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Printf("%s: %v", op, err)
	w.WriteHeader(statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrInvalidIdentifier), errors.Is(err, errBadSince):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

// param reports a query parameter's first value and whether the parameter
// was present at all, so "?polled" and "?polled=" both count as set.
func param(query url.Values, key string) (string, bool) {
	values, ok := query[key]
	if !ok {
		return "", false
	}
	if len(values) == 0 {
		return "", true
	}
	return values[0], true
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// logRequests logs method, path, status, size and latency. The query string
// is left out because it carries the shared secret.
func logRequests(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		duration := time.Since(start)
		logger.Printf("%s %s -> %d (%dB) in %s", r.Method, r.URL.Path, sw.status, sw.size, duration)
	})
}
