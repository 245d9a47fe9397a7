// Package serve exposes the curated tables through a read-only HTTP API.
//
// The server starts not ready. It only reports ready once the serving stage
// has confirmed that every curated table exists; until then, and whenever a
// query finds a curated table missing, endpoints answer 503 not_ready.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/livinlefevreloca/channelpipe/internal/db"
)

// ErrNotReady is returned when the curated tables are not available
var ErrNotReady = errors.New("serve: curated tables not ready")

// Config holds the read API settings
type Config struct {
	Enabled      bool          `toml:"enabled"`
	Address      string        `toml:"address"`
	Port         int           `toml:"port"`
	CacheTTL     time.Duration `toml:"cache_ttl"`
	DefaultLimit int           `toml:"default_limit"`
	MaxLimit     int           `toml:"max_limit"`
	ProductTerms []string      `toml:"product_terms"`
}

// DefaultConfig returns read API defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Address:      "0.0.0.0",
		Port:         8080,
		CacheTTL:     time.Minute,
		DefaultLimit: 10,
		MaxLimit:     100,
		ProductTerms: []string{"paracetamol", "vitamin", "cream", "lotion", "serum", "sunscreen", "shampoo", "capsule"},
	}
}

// Validate checks the read API settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("HTTP cache_ttl must not be negative")
	}
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("HTTP default_limit must be positive")
	}
	if c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("HTTP max_limit must be at least default_limit")
	}
	return nil
}

// Store is the query surface the API reads from. *db.DB satisfies it.
type Store interface {
	SearchMessages(ctx context.Context, term string, limit int) ([]db.MessageHit, error)
	ChannelActivity(ctx context.Context, channel string) ([]db.ActivityPoint, error)
	TopDetections(ctx context.Context, limit int) ([]db.DetectionHit, error)
	ProductMentions(ctx context.Context, terms []string, limit int) ([]db.ProductMention, error)
	TableExists(ctx context.Context, name string) (bool, error)
}

// Server answers read API requests
type Server struct {
	config Config
	store  Store
	logger *slog.Logger
	router *mux.Router
	cache  *ttlcache.Cache[string, []byte]
	ready  atomic.Bool
}

func NewServer(config Config, store Store, logger *slog.Logger) *Server {
	s := &Server{
		config: config,
		store:  store,
		logger: logger,
		router: mux.NewRouter(),
	}
	if config.CacheTTL > 0 {
		s.cache = ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](config.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		)
	}

	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/search/messages", s.handleSearch).Methods(http.MethodGet)
	s.router.HandleFunc("/api/channels/{channel}/activity", s.handleActivity).Methods(http.MethodGet)
	s.router.HandleFunc("/api/reports/visual-content", s.handleVisualContent).Methods(http.MethodGet)
	s.router.HandleFunc("/api/reports/top-products", s.handleTopProducts).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

// SetReady flips readiness and drops every cached response, since a ready
// transition means the curated tables were rebuilt.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	if s.cache != nil {
		s.cache.DeleteAll()
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cache != nil {
		go s.cache.Start()
		defer s.cache.Stop()
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Read API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "read API")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter required")
		return
	}
	limit, err := s.limit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := cacheKey("search", query, strconv.Itoa(limit))
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.store.SearchMessages(ctx, query, limit)
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if channel == "" {
		respondError(w, http.StatusBadRequest, "channel parameter required")
		return
	}

	key := cacheKey("activity", channel)
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		points, err := s.store.ChannelActivity(ctx, channel)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			return nil, errNoSuchChannel
		}
		return points, nil
	})
}

func (s *Server) handleVisualContent(w http.ResponseWriter, r *http.Request) {
	limit, err := s.limit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := cacheKey("visual-content", strconv.Itoa(limit))
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.store.TopDetections(ctx, limit)
	})
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	limit, err := s.limit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := cacheKey("top-products", strconv.Itoa(limit))
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.store.ProductMentions(ctx, s.config.ProductTerms, limit)
	})
}

var errNoSuchChannel = errors.New("channel not found")

// cached answers from the cache when possible, otherwise runs query and
// caches a successful encoding.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, key string, query func(context.Context) (any, error)) {
	if !s.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	if s.cache != nil {
		if item := s.cache.Get(key); item != nil {
			writeBody(w, http.StatusOK, item.Value())
			return
		}
	}

	result, err := query(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, errNoSuchChannel):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case db.IsMissingTable(err):
		s.logger.Warn("Curated table missing, marking not ready", "path", r.URL.Path, "error", err)
		s.SetReady(false)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	default:
		s.logger.Error("Read query failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cache != nil {
		s.cache.Set(key, body, ttlcache.DefaultTTL)
	}
	writeBody(w, http.StatusOK, body)
}

// limit parses the limit query parameter, clamped to the configured maximum
func (s *Server) limit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return s.config.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, s.config.MaxLimit), nil
}

func cacheKey(endpoint string, params ...string) string {
	return endpoint + "|" + strings.Join(params, "|")
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"encoding failed"}`)
	}
	writeBody(w, status, body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// Activator is the serving stage: it confirms the curated tables exist and
// marks the server ready.
type Activator struct {
	store  Store
	server *Server
	logger *slog.Logger
}

func NewActivator(store Store, server *Server, logger *slog.Logger) *Activator {
	return &Activator{store: store, server: server, logger: logger}
}

// Activate returns an error marked ErrNotReady when a curated table is
// missing. The server is left not ready in that case.
func (a *Activator) Activate(ctx context.Context) error {
	var missing []string
	for _, table := range db.CuratedTables {
		ok, err := a.store.TableExists(ctx, table)
		if err != nil {
			return errors.Wrapf(err, "check curated table %s", table)
		}
		if !ok {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		a.server.SetReady(false)
		return errors.Mark(errors.Newf("curated tables missing: %s", strings.Join(missing, ", ")), ErrNotReady)
	}

	a.server.SetReady(true)
	a.logger.Info("Read API ready", "tables", len(db.CuratedTables))
	return nil
}
