package verify

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/verity/internal/match"
	"github.com/andresmejia3/verity/internal/store"
	"github.com/andresmejia3/verity/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a step of the verification flow.
type State int

const (
	AwaitingSelfie State = iota
	AwaitingID
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingSelfie:
		return "awaiting-selfie"
	case AwaitingID:
		return "awaiting-id"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventAdvanced EventKind = iota
	EventFailed
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventAdvanced:
		return "advanced"
	case EventFailed:
		return "failed"
	case EventCompleted:
		return "completed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports a session transition or a stage failure. State is the
// state after the event.
type Event struct {
	Kind    EventKind
	State   State
	Failure *Failure
}

// eventBuffer bounds undelivered events. Events past it are dropped.
const eventBuffer = 16

// Result is the caller-facing surface of a session.
type Result struct {
	RealProb float64
	FakeProb float64
	// RealProbGeometric and FakeProbGeometric come from face coverage and
	// only drive framing feedback. They never affect a decision.
	RealProbGeometric float64
	FakeProbGeometric float64

	SelfieIDMatchProb float64
	Matched           bool

	// IsAboveAgeThreshold is set only when FailureReason is Above21 or
	// Below21.
	IsAboveAgeThreshold *bool
	FailureReason       AgeResult
}

func (r Result) clone() Result {
	if r.IsAboveAgeThreshold != nil {
		v := *r.IsAboveAgeThreshold
		r.IsAboveAgeThreshold = &v
	}
	return r
}

// Session is one pass through the flow. Steps must not be invoked
// concurrently; a step called while another runs gets a FlowError.
type Session struct {
	ID uuid.UUID

	o   *Orchestrator
	log *zap.Logger

	mu         sync.Mutex
	state      State
	busy       bool
	selfieReal bool
	result     Result
	done       chan struct{}
	events     chan Event
}

// NewSession starts a session in AwaitingSelfie.
func (o *Orchestrator) NewSession() *Session {
	id := uuid.New()
	return &Session{
		ID:     id,
		o:      o,
		log:    o.log.With(zap.String("session", id.String())),
		done:   make(chan struct{}),
		events: make(chan Event, eventBuffer),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns a snapshot of the result surface.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.clone()
}

// Events delivers transitions and failures. The channel is never closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session reaches Complete. Reset replaces it.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reset returns the session to AwaitingSelfie and clears its result. Stored
// templates are left alone.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return &FlowError{Op: "Reset", State: s.state, Busy: true}
	}
	if s.state == Complete {
		s.done = make(chan struct{})
	}
	s.state = AwaitingSelfie
	s.selfieReal = false
	s.result = Result{}
	return nil
}

// begin claims the session for op if it is in want.
func (s *Session) begin(op string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return &FlowError{Op: op, State: s.state, Busy: true}
	}
	if s.state != want {
		return &FlowError{Op: op, State: s.state}
	}
	s.busy = true
	return nil
}

// fail releases the session without advancing.
func (s *Session) fail(state State, err error) *Failure {
	f := newFailure(state, err)
	s.log.Warn("verification step failed",
		zap.Stringer("state", state),
		zap.Stringer("reason", f.Reason),
		zap.Error(err))
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	s.emit(Event{Kind: EventFailed, State: state, Failure: f})
	return f
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event dropped, no reader", zap.Stringer("kind", ev.Kind))
	}
}

// SubmitSelfie extracts the face embedding, labels liveness against the
// liveness threshold, stores the embedding under "selfie" and advances to
// AwaitingID. A Fake verdict does not block the step; it decides the age
// outcome later. Failures leave the session in AwaitingSelfie.
func (s *Session) SubmitSelfie(ctx context.Context, img types.Image) (types.LivenessVerdict, error) {
	if err := s.begin("SubmitSelfie", AwaitingSelfie); err != nil {
		return types.LivenessVerdict{}, err
	}
	o := s.o

	e, err := o.deps.Faces.EmbedImage(ctx, img)
	if err != nil {
		return types.LivenessVerdict{}, s.fail(AwaitingSelfie, err)
	}
	if err := o.validEmbedding(e); err != nil {
		return types.LivenessVerdict{}, s.fail(AwaitingSelfie, err)
	}
	v, err := o.deps.Liveness.Classify(ctx, e)
	if err != nil {
		return types.LivenessVerdict{}, s.fail(AwaitingSelfie, err)
	}
	v = v.Against(o.cfg.LivenessThreshold)

	realGeo, fakeGeo := 0.0, 0.0
	if o.deps.Coverage != nil {
		if cov, err := o.deps.Coverage.EstimateFaceCoverage(ctx, img); err != nil {
			s.log.Debug("face coverage unavailable", zap.Error(err))
		} else {
			realGeo, fakeGeo = cov, 1-cov
		}
	}

	if err := o.deps.Store.Store(ctx, store.KeySelfie, e); err != nil {
		return types.LivenessVerdict{}, s.fail(AwaitingSelfie, err)
	}

	s.mu.Lock()
	s.state = AwaitingID
	s.busy = false
	s.selfieReal = v.IsReal()
	s.result.RealProb = v.RealProb
	s.result.FakeProb = v.FakeProb
	s.result.RealProbGeometric = realGeo
	s.result.FakeProbGeometric = fakeGeo
	s.mu.Unlock()

	s.log.Info("selfie enrolled",
		zap.Stringer("liveness", v.Label),
		zap.Float64("real_prob", v.RealProb),
		zap.Float64("threshold", o.cfg.LivenessThreshold))
	s.emit(Event{Kind: EventAdvanced, State: AwaitingID})
	return v, nil
}

// SubmitDocument reads the document, embeds its photo, matches it against
// the stored selfie with the match threshold, stores the photo embedding
// under "idProfile", derives the age outcome and completes the session.
// A document that cannot be read records ReadFailure and leaves the session
// in AwaitingID for a retry.
func (s *Session) SubmitDocument(ctx context.Context, img types.Image) (Result, error) {
	if err := s.begin("SubmitDocument", AwaitingID); err != nil {
		return Result{}, err
	}
	o := s.o

	doc, err := o.deps.Documents.ReadDocument(ctx, img)
	if err == nil && (doc.Photo == nil || doc.Photo.Empty()) {
		err = ErrNoPhoto
	}
	if err != nil {
		s.mu.Lock()
		s.result.FailureReason = ReadFailure
		s.mu.Unlock()
		return Result{}, s.fail(AwaitingID, err)
	}

	e, err := o.deps.Faces.EmbedImage(ctx, *doc.Photo)
	if err != nil {
		return Result{}, s.fail(AwaitingID, err)
	}
	if err := o.validEmbedding(e); err != nil {
		return Result{}, s.fail(AwaitingID, err)
	}

	selfie, ok, err := o.deps.Store.Retrieve(ctx, store.KeySelfie)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", ErrNotEnrolled, store.KeySelfie)
	}
	if err != nil {
		return Result{}, s.fail(AwaitingID, err)
	}

	m := match.New()
	m.SetBaseline(selfie)
	m.SetTest(e)
	score, err := m.Compare(o.cfg.MatchThreshold)
	if err != nil {
		return Result{}, s.fail(AwaitingID, err)
	}

	if err := o.deps.Store.Store(ctx, store.KeyIDProfile, e); err != nil {
		return Result{}, s.fail(AwaitingID, err)
	}

	s.mu.Lock()
	age, above := deriveAge(doc, s.selfieReal, score.Passed, o.cfg.AgeThreshold, o.now())
	s.result.SelfieIDMatchProb = score.Value
	s.result.Matched = score.Passed
	s.result.FailureReason = age
	s.result.IsAboveAgeThreshold = above
	s.state = Complete
	s.busy = false
	close(s.done)
	res := s.result.clone()
	s.mu.Unlock()

	s.log.Info("verification complete",
		zap.Stringer("match", score),
		zap.Stringer("age", age))
	s.emit(Event{Kind: EventCompleted, State: Complete})
	return res, nil
}
