// Package betamax records the HTTP traffic of a test body into a named
// cassette the first time it runs and replays it, without touching the
// network, on every later run.
//
//	vcr := betamax.New(cassette.NewFileStorage("testdata/cassettes"))
//	err := vcr.UseCassette(ctx, "github/list-repos", func(ctx context.Context) error {
//		return listRepos(ctx, http.DefaultClient)
//	})
package betamax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/thegreatape/betamax/cassette"
	"github.com/thegreatape/betamax/matcher"
	"github.com/thegreatape/betamax/proxy"
)

const instrumentationName = "github.com/thegreatape/betamax"

// VCR holds the storage and matcher shared by every cassette session and
// allows one session at a time.
type VCR struct {
	storage cassette.Storage
	clients []*http.Client
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu      sync.Mutex
	matcher matcher.Matcher
	active  *Session
	last    Stats
}

type Option func(*VCR)

func WithLogger(logger *slog.Logger) Option {
	return func(v *VCR) { v.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(v *VCR) { v.metrics = metrics }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *VCR) { v.tracer = tp.Tracer(instrumentationName) }
}

// WithClients intercepts clients that carry their own Transport in addition
// to http.DefaultTransport.
func WithClients(clients ...*http.Client) Option {
	return func(v *VCR) { v.clients = append(v.clients, clients...) }
}

func WithMatcher(m matcher.Matcher) Option {
	return func(v *VCR) { v.matcher = m }
}

// WithRecordRateLimit paces live requests while recording.
func WithRecordRateLimit(perSecond float64, burst int) Option {
	return func(v *VCR) {
		v.limit = rate.Limit(perSecond)
		v.burst = max(burst, 1)
	}
}

func New(storage cassette.Storage, opts ...Option) *VCR {
	v := &VCR{
		storage: storage,
		logger:  slog.New(slog.DiscardHandler),
		tracer:  otel.GetTracerProvider().Tracer(instrumentationName),
		now:     time.Now,
		matcher: matcher.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *VCR) Storage() cassette.Storage {
	return v.storage
}

func (v *VCR) Matcher() matcher.Matcher {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.matcher
}

// SetMatcher replaces the matcher. An active session keeps the matcher it
// opened with.
func (v *VCR) SetMatcher(m matcher.Matcher) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.matcher = m
}

// Active returns the session in progress, or nil.
func (v *VCR) Active() *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// LastStats returns the stats of the most recently finished session.
func (v *VCR) LastStats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Close releases the storage backend when it holds resources.
func (v *VCR) Close() error {
	if c, ok := v.storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// UseCassette runs body with all outbound HTTP traffic routed through the
// named cassette. A missing cassette is recorded and saved when body
// returns, even if it fails; an existing one is replayed and never written.
//
// In replay mode a request that matches no unused interaction fails with a
// MatchNotFoundError; UseCassette also returns that error if body swallowed
// it. Calling UseCassette again before it returns fails with
// ErrConcurrentSession.
func (v *VCR) UseCassette(ctx context.Context, name string, body func(ctx context.Context) error) (err error) {
	ctx, span := v.tracer.Start(ctx, "betamax.UseCassette",
		trace.WithAttributes(attribute.String("betamax.cassette", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s, err := v.open(ctx, name)
	if err != nil {
		return err
	}
	mode := s.Mode()
	span.SetAttributes(
		attribute.String("betamax.mode", mode.String()),
		attribute.String("betamax.session_id", s.ID),
	)

	restore, err := proxy.Install(s, v.clients...)
	if err != nil {
		s.abandon()
		v.release(s)
		if errors.Is(err, proxy.ErrAlreadyInstalled) {
			return fmt.Errorf("%w: %w", ErrConcurrentSession, err)
		}
		return err
	}

	start := v.now()
	defer func() {
		restore()
		panicked := recover()

		saveErr := s.close(context.WithoutCancel(ctx), v.storage)
		v.release(s)
		v.metrics.sessionClosed(mode, v.now().Sub(start).Seconds())

		stats := s.Stats()
		if saveErr != nil {
			v.metrics.storageError("save")
			v.logger.Error("saving cassette failed", "cassette", name, "session", s.ID, "error", saveErr)
		} else {
			v.logger.Info("cassette closed", "cassette", name, "session", s.ID, "mode", mode,
				"recorded", stats.Recorded, "played", stats.Played, "missed", stats.Missed)
		}
		span.SetAttributes(
			attribute.Int("betamax.recorded", stats.Recorded),
			attribute.Int("betamax.played", stats.Played),
			attribute.Int("betamax.missed", stats.Missed),
		)

		if panicked != nil {
			panic(panicked)
		}
		if err == nil {
			err = s.missErr()
		}
		err = joinErrors(err, saveErr)
	}()

	return body(ctx)
}

// Use is UseCassette for bodies that produce a value.
func Use[T any](ctx context.Context, v *VCR, name string, body func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := v.UseCassette(ctx, name, func(ctx context.Context) error {
		var err error
		result, err = body(ctx)
		return err
	})
	return result, err
}

func (v *VCR) open(ctx context.Context, name string) (*Session, error) {
	v.mu.Lock()
	if v.active != nil {
		v.mu.Unlock()
		return nil, ErrConcurrentSession
	}
	s := &Session{
		ID:      uuid.NewString(),
		Name:    name,
		matcher: matcher.Snapshot(v.matcher),
		logger:  v.logger,
		metrics: v.metrics,
		tracer:  v.tracer,
		now:     v.now,
	}
	if v.limit > 0 {
		s.limiter = rate.NewLimiter(v.limit, v.burst)
	}
	v.active = s
	v.mu.Unlock()

	interactions, err := v.load(ctx, s)
	switch {
	case errors.Is(err, cassette.ErrNotFound):
		s.startRecording()
	case err != nil:
		s.abandon()
		v.release(s)
		v.metrics.storageError("load")
		v.logger.Error("loading cassette failed", "cassette", name, "error", err)
		return nil, cassette.NewStorageError("load", name, err)
	default:
		s.startReplaying(interactions)
	}

	mode := s.Mode()
	v.metrics.sessionOpened(mode, len(interactions))
	v.logger.Info("cassette opened", "cassette", name, "session", s.ID, "mode", mode, "interactions", len(interactions))
	return s, nil
}

// load reads the cassette for s and gives up the active slot if the
// storage panics.
func (v *VCR) load(ctx context.Context, s *Session) ([]cassette.Interaction, error) {
	defer func() {
		if r := recover(); r != nil {
			s.abandon()
			v.release(s)
			panic(r)
		}
	}()
	return v.storage.Load(ctx, s.Name)
}

func (v *VCR) release(s *Session) {
	stats := s.Stats()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == s {
		v.active = nil
	}
	v.last = stats
}

func joinErrors(err, saveErr error) error {
	switch {
	case saveErr == nil:
		return err
	case err == nil:
		return saveErr
	}
	return errors.Join(err, saveErr)
}
