package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/bluesky-liked-feeds/internal/config"
	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
	"github.com/blackmichael/bluesky-liked-feeds/internal/metrics"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// FeedService serves feed pages. *domain.FeedService implements it.
type FeedService interface {
	HasFeed(feedURI string) bool
	Describe(serviceDID string) domain.GeneratorDescription
	GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor, issuerDID string) (*domain.FeedSkeleton, error)
}

// Server is the HTTP server that serves feed generator XRPC endpoints.
type Server struct {
	cfg         *config.Config
	feedService FeedService
	verifier    domain.IssuerVerifier
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates a new HTTP server with the given feed service.
func NewServer(cfg *config.Config, feedService FeedService, verifier domain.IssuerVerifier, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		verifier:    verifier,
		logger:      logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return withLogging(s.logger, next) })

	r.Get("/.well-known/did.json", s.handleDIDDoc)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.feedService.Describe(s.cfg.ServiceDID()))
}

type skeletonItem struct {
	Post        string `json:"post"`
	FeedContext string `json:"feedContext,omitempty"`
}

type skeletonResponse struct {
	Cursor string         `json:"cursor,omitempty"`
	Feed   []skeletonItem `json:"feed"`
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	feedURI := r.URL.Query().Get("feed")
	feedLabel := s.feedLabel(feedURI)

	status := http.StatusOK
	defer func() {
		metrics.FeedRequests.WithLabelValues(feedLabel, strconv.Itoa(status)).Inc()
		metrics.FeedRequestDuration.WithLabelValues(feedLabel).Observe(time.Since(start).Seconds())
	}()
	fail := func(code int, errType, message string) {
		status = code
		writeError(w, code, errType, message)
	}

	if feedURI == "" {
		s.logger.Warn("getFeedSkeleton called without feed parameter")
		fail(http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	if !s.feedService.HasFeed(feedURI) {
		s.logger.Warn("unknown feed requested", "feed", feedURI)
		code, errType, message := mapError(domain.ErrUnsupportedFeed)
		fail(code, errType, message)
		return
	}

	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxLimit {
			s.logger.Warn("invalid limit parameter", "limit", l, "error", err)
			fail(http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	cursor := r.URL.Query().Get("cursor")

	token, ok := bearerToken(r)
	if !ok {
		fail(http.StatusUnauthorized, "AuthenticationRequired", "authorization header with bearer token is required")
		return
	}

	issuer, err := s.verifier.VerifyIssuer(r.Context(), token, s.cfg.ServiceDID())
	if err != nil {
		s.logger.Warn("rejected service auth token", "feed", feedURI, "error", err)
		code, errType, message := mapError(err)
		fail(code, errType, message)
		return
	}

	s.logger.Info("getFeedSkeleton request", "feed", feedURI, "limit", limit, "cursor", cursor, "issuer", issuer)

	skeleton, err := s.feedService.GetFeedSkeleton(r.Context(), feedURI, limit, cursor, issuer)
	if err != nil {
		code, errType, message := mapError(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error("failed to get feed skeleton",
				"feed", feedURI,
				"limit", limit,
				"cursor", cursor,
				"issuer", issuer,
				"error", err,
			)
		} else {
			s.logger.Warn("getFeedSkeleton rejected", "feed", feedURI, "issuer", issuer, "error", err)
		}
		fail(code, errType, message)
		return
	}

	s.logger.Info("getFeedSkeleton success", "feed", feedURI, "posts_returned", len(skeleton.Posts), "next_cursor", skeleton.Cursor)

	resp := skeletonResponse{
		Cursor: skeleton.Cursor,
		Feed:   make([]skeletonItem, len(skeleton.Posts)),
	}
	for i, p := range skeleton.Posts {
		resp.Feed[i] = skeletonItem{Post: p.Post, FeedContext: p.FeedContext}
	}

	writeJSON(w, http.StatusOK, resp)
}

// feedLabel bounds metric cardinality to the registered feeds.
func (s *Server) feedLabel(feedURI string) string {
	if !s.feedService.HasFeed(feedURI) {
		return "unknown"
	}
	return feedURI[strings.LastIndex(feedURI, "/")+1:]
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// mapError translates domain errors into XRPC error responses.
func mapError(err error) (status int, errType, message string) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedFeed):
		return http.StatusBadRequest, "UnsupportedAlgorithm", "unsupported algorithm"
	case errors.Is(err, domain.ErrAuthExpired):
		return http.StatusUnauthorized, "ExpiredToken", "token has expired"
	case errors.Is(err, domain.ErrAuthFailure):
		return http.StatusUnauthorized, "InvalidToken", "invalid service auth token"
	case errors.Is(err, domain.ErrInvalidIdentifier):
		return http.StatusBadRequest, "InvalidRequest", "invalid actor identifier"
	default:
		return http.StatusInternalServerError, "InternalError", "failed to get feed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
