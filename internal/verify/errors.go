package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/verity/internal/engine"
	"github.com/andresmejia3/verity/internal/match"
	"github.com/andresmejia3/verity/internal/store"
)

var (
	// ErrNotEnrolled means no stored template could be compared.
	ErrNotEnrolled = errors.New("verify: no enrolled template")
	// ErrNoPhoto means the document reader found no portrait.
	ErrNoPhoto = errors.New("verify: document has no photo")
	// ErrInvalidEmbedding means an extractor produced an empty or
	// wrong-length embedding.
	ErrInvalidEmbedding = errors.New("verify: embedding has unexpected length")
)

// Reason classifies a stage failure.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonExtraction
	ReasonInvalidEmbedding
	ReasonModel
	ReasonStorage
	ReasonDocumentRead
	ReasonNoPhoto
	ReasonNotEnrolled
	ReasonMatch
	ReasonCanceled
)

func (r Reason) String() string {
	switch r {
	case ReasonExtraction:
		return "extraction"
	case ReasonInvalidEmbedding:
		return "invalid-embedding"
	case ReasonModel:
		return "model"
	case ReasonStorage:
		return "storage"
	case ReasonDocumentRead:
		return "document-read"
	case ReasonNoPhoto:
		return "no-photo"
	case ReasonNotEnrolled:
		return "not-enrolled"
	case ReasonMatch:
		return "match"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// reasonFor maps collaborator and store errors onto a Reason.
func reasonFor(err error) Reason {
	var (
		ee *engine.ExtractionError
		me *engine.ModelError
		re *engine.ReadError
		se *store.Error
		xe *match.Error
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, ErrInvalidEmbedding):
		return ReasonInvalidEmbedding
	case errors.Is(err, ErrNoPhoto):
		return ReasonNoPhoto
	case errors.Is(err, ErrNotEnrolled):
		return ReasonNotEnrolled
	case errors.As(err, &ee):
		return ReasonExtraction
	case errors.As(err, &me):
		return ReasonModel
	case errors.As(err, &re):
		return ReasonDocumentRead
	case errors.As(err, &se):
		return ReasonStorage
	case errors.As(err, &xe):
		return ReasonMatch
	}
	return ReasonUnknown
}

// Failure is a stage failure. The session stays in State and the step can
// be retried.
type Failure struct {
	State  State
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("verify: %s failed in %s: %v", f.Reason, f.State, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(state State, err error) *Failure {
	return &Failure{State: state, Reason: reasonFor(err), Err: err}
}

// FlowError is returned when an operation is invoked out of order.
type FlowError struct {
	Op    string
	State State
	Busy  bool
}

func (e *FlowError) Error() string {
	if e.Busy {
		return fmt.Sprintf("verify: %s called while another step is running", e.Op)
	}
	return fmt.Sprintf("verify: %s not allowed in state %s", e.Op, e.State)
}
