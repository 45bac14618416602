// Package match compares embeddings by cosine similarity.
//
// A Matcher holds one baseline and one test slot. Compare reads both slots
// and never clears them; callers doing unrelated comparisons in sequence
// must call Clear in between (or use a fresh Matcher).
package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/verity/internal/types"
)

const (
	// DefaultThreshold is the generic pass threshold for ad-hoc comparisons.
	DefaultThreshold = 0.70

	// AuthThreshold is the threshold for identity decisions (selfie vs
	// document, re-authentication).
	AuthThreshold = 0.80
)

var (
	ErrLengthMismatch = errors.New("embedding length mismatch")
	ErrSlotEmpty      = errors.New("matcher slot is empty")
)

// Error is a MatchError: degenerate or mismatched comparison input.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "match: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Score is a similarity value rounded to two decimals and whether it passed
// the threshold it was compared against.
type Score struct {
	Value     float64
	Passed    bool
	Threshold float64
}

func (s Score) String() string {
	verdict := "fail"
	if s.Passed {
		verdict = "pass"
	}
	return fmt.Sprintf("%.2f (%s @ %.2f)", s.Value, verdict, s.Threshold)
}

// Matcher holds a baseline and a test embedding.
type Matcher struct {
	baseline types.Embedding
	test     types.Embedding
}

// New returns an empty Matcher.
func New() *Matcher { return &Matcher{} }

func (m *Matcher) SetBaseline(e types.Embedding) { m.baseline = e.Clone() }
func (m *Matcher) SetTest(e types.Embedding)     { m.test = e.Clone() }

// BothPresent reports whether both slots hold an embedding.
func (m *Matcher) BothPresent() bool {
	return len(m.baseline) > 0 && len(m.test) > 0
}

// Clear empties both slots.
func (m *Matcher) Clear() {
	m.baseline = nil
	m.test = nil
}

// Compare scores the baseline against the test slot.
func (m *Matcher) Compare(threshold float64) (Score, error) {
	if !m.BothPresent() {
		return Score{Threshold: threshold}, &Error{Op: "compare", Err: ErrSlotEmpty}
	}
	return Similarity(m.baseline, m.test, threshold)
}

// Similarity scores a against b. Zero-magnitude input yields a failed zero
// score rather than an error.
func Similarity(a, b types.Embedding, threshold float64) (Score, error) {
	sim, ok, err := cosine(a, b)
	if err != nil || !ok {
		return Score{Threshold: threshold}, err
	}
	v := Round2(sim)
	return Score{Value: v, Passed: v >= threshold, Threshold: threshold}, nil
}

// Cosine returns dot(a,b) / (|a|*|b|), or 0 if either magnitude is zero.
func Cosine(a, b types.Embedding) (float64, error) {
	sim, _, err := cosine(a, b)
	return sim, err
}

// cosine reports ok=false when either vector has zero magnitude.
func cosine(a, b types.Embedding) (float64, bool, error) {
	if len(a) != len(b) {
		return 0, false, &Error{
			Op:  "cosine",
			Err: fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(a), len(b)),
		}
	}
	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	if sumA == 0 || sumB == 0 {
		return 0, false, nil
	}
	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// float error can push parallel vectors just past 1
	return math.Max(-1, math.Min(1, sim)), true, nil
}

// Round2 rounds to two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
