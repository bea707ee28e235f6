package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
	"github.com/blackmichael/bluesky-liked-feeds/internal/metrics"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	statsLogInterval   = 30 * time.Second

	defaultLivenessInterval = time.Minute
	defaultReconnectDelay   = 5 * time.Second
	defaultMaxReconnects    = 5
	defaultWorkers          = 16
)

// ErrReconnectBudgetExhausted is returned by Run when too many consecutive
// connection attempts have failed. The process should exit.
var ErrReconnectBudgetExhausted = errors.New("firehose reconnect budget exhausted")

// State is the lifecycle state of the firehose connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
	Aborted
	Fatal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	case Fatal:
		return "fatal"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Handler applies like mutations and stores the replay cursor.
// *domain.FeedService implements it. Methods are called concurrently.
type Handler interface {
	ProcessLike(ctx context.Context, actor, rkey string, like domain.Like) (bool, error)
	ProcessUnlike(ctx context.Context, actor, rkey string) (bool, error)
	GetCursor(ctx context.Context, service string) (int64, error)
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Config configures a Subscriber. Zero values take defaults.
type Config struct {
	URL string

	// WantedCollections filters the subscription. Defaults to likes only.
	WantedCollections []string

	// LivenessInterval is how long a connection may go without delivering
	// an event before it is closed and replaced.
	LivenessInterval time.Duration

	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration

	// MaxReconnects is how many consecutive failed connections are
	// tolerated before Run gives up.
	MaxReconnects int

	// Workers bounds the number of events handled concurrently.
	Workers int
}

// Subscriber connects to the Jetstream firehose and processes like events.
type Subscriber struct {
	url            string
	collections    []string
	liveness       time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	workers        int
	saveInterval   time.Duration

	handler Handler
	dialer  *websocket.Dialer
	logger  *slog.Logger

	state        atomic.Int32
	events       atomic.Int64
	latestCursor atomic.Int64

	// attempts counts consecutive failed connections. Only Run's goroutine
	// touches it.
	attempts int
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(cfg Config, handler Handler, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		url:            cfg.URL,
		collections:    cfg.WantedCollections,
		liveness:       cfg.LivenessInterval,
		reconnectDelay: cfg.ReconnectDelay,
		maxReconnects:  cfg.MaxReconnects,
		workers:        cfg.Workers,
		saveInterval:   cursorSaveInterval,
		handler:        handler,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
	}
	if len(s.collections) == 0 {
		s.collections = []string{domain.LikeCollection}
	}
	if s.liveness <= 0 {
		s.liveness = defaultLivenessInterval
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = defaultReconnectDelay
	}
	if s.maxReconnects <= 0 {
		s.maxReconnects = defaultMaxReconnects
	}
	if s.workers <= 0 {
		s.workers = defaultWorkers
	}
	return s
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Run connects to the firehose and processes events until the context is
// cancelled or the reconnect budget runs out. A connection that opens
// resets the budget.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		next, err := s.connect(ctx)
		if ctx.Err() != nil {
			s.transition(Disconnected)
			return ctx.Err()
		}

		if !s.transition(next) {
			s.logger.Error("firehose reconnect budget exhausted, giving up",
				"attempts", s.attempts,
				"error", err,
			)
			return fmt.Errorf("%w: %d consecutive failures: %v", ErrReconnectBudgetExhausted, s.attempts, err)
		}

		s.logger.Warn("firehose connection lost, reconnecting",
			"state", next.String(),
			"attempt", s.attempts,
			"max_attempts", s.maxReconnects,
			"delay", s.reconnectDelay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			s.transition(Disconnected)
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
		metrics.JetstreamReconnects.Inc()
	}
}

// transition moves to state and applies its bookkeeping. It returns false
// when the move exhausted the reconnect budget and the subscriber is now Fatal.
func (s *Subscriber) transition(to State) bool {
	switch to {
	case Open:
		if s.attempts > 0 {
			s.logger.Info("firehose connection recovered", "failed_attempts", s.attempts)
		}
		s.attempts = 0
	case Closed, Aborted:
		s.attempts++
		if s.attempts > s.maxReconnects {
			to = Fatal
		}
	}

	s.state.Store(int32(to))
	metrics.JetstreamConnectionState.Set(float64(to))
	return to != Fatal
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range s.collections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resumeCursor prefers the newest cursor seen in this process over the
// stored one.
func (s *Subscriber) resumeCursor(ctx context.Context) int64 {
	if c := s.latestCursor.Load(); c > 0 {
		return c
	}
	cursor, err := s.handler.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		return 0
	}
	return cursor
}

// connect runs one connection to completion and returns the state it ended
// in: Aborted if it never opened or broke abnormally, Closed otherwise.
func (s *Subscriber) connect(ctx context.Context) (State, error) {
	s.transition(Connecting)

	wsURL := s.buildURL(s.resumeCursor(ctx))
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return Aborted, fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.transition(Open)
	s.logger.Info("connected to firehose")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	go s.watch(connCtx, conn, &stalled)

	var pool errgroup.Group
	pool.SetLimit(s.workers)
	defer s.saveCursor(ctx)
	defer pool.Wait()

	lastCursorSave := time.Now()
	lastStatsLog := time.Now()
	var received, likes int64

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case ctx.Err() != nil:
				return Closed, ctx.Err()
			case stalled.Load():
				return Closed, fmt.Errorf("no events within %s", s.liveness)
			case errors.As(err, &closeErr):
				return Closed, fmt.Errorf("read message: %w", err)
			default:
				return Aborted, fmt.Errorf("read message: %w", err)
			}
		}

		s.events.Add(1)
		received++

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		metrics.JetstreamEvents.WithLabelValues(event.Kind, event.collection(), event.operation()).Inc()
		if event.TimeUS > 0 {
			s.latestCursor.Store(event.TimeUS)
		}

		if event.Kind == "commit" && event.collection() == domain.LikeCollection {
			likes++
			pool.Go(func() error {
				s.handleCommit(ctx, event)
				return nil
			})
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("firehose stats",
				"events_received", received,
				"likes_received", likes,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= s.saveInterval {
			s.saveCursor(ctx)
			lastCursorSave = time.Now()
		}
	}
}

// watch closes conn when ctx ends or when a full liveness interval passes
// without any event arriving.
func (s *Subscriber) watch(ctx context.Context, conn *websocket.Conn, stalled *atomic.Bool) {
	ticker := time.NewTicker(s.liveness)
	defer ticker.Stop()

	last := s.events.Load()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			current := s.events.Load()
			if current == last {
				s.logger.Warn("firehose stalled, closing connection", "interval", s.liveness)
				metrics.JetstreamStalls.Inc()
				stalled.Store(true)
				conn.Close()
				return
			}
			last = current
		}
	}
}

func (s *Subscriber) saveCursor(ctx context.Context) {
	cursor := s.latestCursor.Load()
	if cursor <= 0 {
		return
	}
	// Flush even while shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.handler.UpdateCursor(ctx, cursorServiceName, cursor); err != nil {
		s.logger.Error("failed to save cursor", "error", err)
	}
}

// handleCommit applies one like create or delete. Failures are logged and
// counted; they never stop the stream.
func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling commit", "panic", r, "did", event.DID)
			metrics.LikesProcessed.WithLabelValues("error").Inc()
		}
	}()

	if !event.complete() {
		s.logger.Debug("dropping incomplete event", "did", event.DID, "time_us", event.TimeUS)
		metrics.LikesProcessed.WithLabelValues("invalid").Inc()
		return
	}
	commit := event.Commit

	switch commit.Operation {
	case "create":
		like := commit.like()
		if !like.Valid() {
			s.logger.Debug("dropping like without subject or createdAt", "did", event.DID, "rkey", commit.RKey)
			metrics.LikesProcessed.WithLabelValues("invalid").Inc()
			return
		}
		created, err := s.handler.ProcessLike(ctx, event.DID, commit.RKey, like)
		if err != nil {
			s.recordFailure("failed to store like", event, err)
			return
		}
		if created {
			metrics.LikesProcessed.WithLabelValues("created").Inc()
		} else {
			metrics.LikesProcessed.WithLabelValues("duplicate").Inc()
		}

	case "delete":
		removed, err := s.handler.ProcessUnlike(ctx, event.DID, commit.RKey)
		if err != nil {
			s.recordFailure("failed to remove like", event, err)
			return
		}
		if removed {
			metrics.LikesProcessed.WithLabelValues("removed").Inc()
		} else {
			metrics.LikesProcessed.WithLabelValues("absent").Inc()
		}
	}
}

func (s *Subscriber) recordFailure(msg string, event *jetstreamEvent, err error) {
	if errors.Is(err, domain.ErrInvalidIdentifier) || errors.Is(err, domain.ErrInvalidLike) {
		s.logger.Debug(msg, "did", event.DID, "rkey", event.Commit.RKey, "error", err)
		metrics.LikesProcessed.WithLabelValues("invalid").Inc()
		return
	}
	s.logger.Error(msg, "did", event.DID, "rkey", event.Commit.RKey, "error", err)
	metrics.LikesProcessed.WithLabelValues("error").Inc()
}
