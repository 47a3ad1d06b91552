package betamax

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/thegreatape/betamax/cassette"
	"github.com/thegreatape/betamax/matcher"
	"github.com/thegreatape/betamax/proxy"
)

type State int

const (
	Idle State = iota
	Recording
	Replaying
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Replaying:
		return "replaying"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const (
	outcomeRecorded = "recorded"
	outcomePlayed   = "played"
	outcomeMissed   = "missed"
	outcomeFailed   = "failed"
	outcomeLate     = "late"
)

// Session is the state of one UseCassette call. It answers every request
// intercepted while the cassette is in use.
type Session struct {
	ID   string
	Name string

	matcher matcher.Matcher
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	state    State
	mode     State
	recorded []cassette.Interaction
	consumed []bool
	captured []cassette.Interaction
	miss     error
	stats    Stats
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode is Recording or Replaying once the cassette has been loaded, and
// keeps that value after the session closes.
func (s *Session) Mode() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) startRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.mode = Recording, Recording
}

func (s *Session) startReplaying(interactions []cassette.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.mode = Replaying, Replaying
	s.recorded = interactions
	s.consumed = make([]bool, len(interactions))
	s.stats.Loaded = len(interactions)
}

var _ proxy.Resolver = (*Session)(nil)

func (s *Session) Resolve(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	_, span := s.tracer.Start(req.Context(), "betamax.intercept",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("betamax.cassette", s.Name),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		))
	defer span.End()

	var (
		resp    *http.Response
		outcome string
		err     error
	)
	switch s.State() {
	case Recording:
		resp, outcome, err = s.record(req, next)
	case Replaying:
		resp, outcome, err = s.replay(req)
	default:
		outcome, err = outcomeFailed, ErrSessionClosed
		if req.Body != nil {
			_ = req.Body.Close()
		}
	}

	s.metrics.interaction(outcome)
	span.SetAttributes(attribute.String("betamax.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (s *Session) record(req *http.Request, next http.RoundTripper) (*http.Response, string, error) {
	snap, forward, err := proxy.SnapshotRequest(req)
	if err != nil {
		return nil, outcomeFailed, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(req.Context()); err != nil {
			return nil, outcomeFailed, err
		}
	}

	resp, err := next.RoundTrip(forward)
	if err != nil {
		s.logger.Debug("live request failed, nothing recorded",
			"cassette", s.Name, "method", snap.Method, "url", snap.URL, "error", err)
		return nil, outcomeFailed, err
	}
	rec, err := proxy.SnapshotResponse(resp)
	if err != nil {
		return nil, outcomeFailed, err
	}
	resp.Request = req

	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		s.logger.Warn("response arrived after cassette closed, not recorded",
			"cassette", s.Name, "method", snap.Method, "url", snap.URL)
		return resp, outcomeLate, nil
	}
	position := len(s.captured)
	s.captured = append(s.captured, cassette.Interaction{
		Position:   position,
		RecordedAt: s.now(),
		Request:    *snap,
		Response:   *rec,
	})
	s.stats.Recorded++
	s.mu.Unlock()

	s.logger.Debug("recorded interaction",
		"cassette", s.Name, "position", position, "method", snap.Method, "url", snap.URL, "status", rec.StatusCode)
	return resp, outcomeRecorded, nil
}

func (s *Session) replay(req *http.Request) (*http.Response, string, error) {
	snap, _, err := proxy.SnapshotRequest(req)
	if err != nil {
		return nil, outcomeFailed, err
	}

	s.mu.Lock()
	if s.state != Replaying {
		s.mu.Unlock()
		return nil, outcomeFailed, ErrSessionClosed
	}
	idx := s.claim(snap)
	if idx < 0 {
		missErr := &MatchNotFoundError{Cassette: s.Name, Method: snap.Method, URL: snap.URL}
		if s.miss == nil {
			s.miss = missErr
		}
		s.stats.Missed++
		s.mu.Unlock()
		s.logger.Warn("no recorded interaction matches request",
			"cassette", s.Name, "method", snap.Method, "url", snap.URL)
		return nil, outcomeMissed, missErr
	}
	rec := s.recorded[idx].Response
	s.stats.Played++
	s.mu.Unlock()

	s.logger.Debug("replayed interaction",
		"cassette", s.Name, "position", idx, "method", snap.Method, "url", snap.URL, "status", rec.StatusCode)
	return proxy.BuildResponse(req, &rec), outcomePlayed, nil
}

// claim finds the first unused interaction matching req and marks it used.
// s.mu must be held.
func (s *Session) claim(req *cassette.Request) int {
	available := make([]cassette.Interaction, 0, len(s.recorded))
	index := make([]int, 0, len(s.recorded))
	for i := range s.recorded {
		if s.consumed[i] {
			continue
		}
		available = append(available, s.recorded[i])
		index = append(index, i)
	}
	i := s.matcher.IndexOf(available, req)
	if i < 0 || i >= len(available) {
		return -1
	}
	s.consumed[index[i]] = true
	return index[i]
}

// missErr returns the first replay miss, if any.
func (s *Session) missErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.miss
}

// close moves the session to Closed and, when recording, saves everything
// captured so far.
func (s *Session) close(ctx context.Context, storage cassette.Storage) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	wasRecording := s.state == Recording
	s.state = Closed
	captured := s.captured
	s.mu.Unlock()

	if !wasRecording {
		return nil
	}
	if captured == nil {
		captured = []cassette.Interaction{}
	}
	cassette.Renumber(captured)
	if err := storage.Save(ctx, s.Name, captured); err != nil {
		return cassette.NewStorageError("save", s.Name, err)
	}
	return nil
}

// abandon closes the session without saving.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
}
