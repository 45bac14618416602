// Package clone detects synthetic (cloned) pictures and voices across a
// segmented recording and reduces the per-fragment flags into one verdict.
package clone

import (
	"fmt"
	"slices"
	"strings"
)

// Category is the overall verdict of a recording.
type Category int

const (
	NotCloned Category = iota
	PictureCloned
	AudioCloned
	BothCloned
)

func (c Category) String() string {
	switch c {
	case NotCloned:
		return "not-cloned"
	case PictureCloned:
		return "picture-cloned"
	case AudioCloned:
		return "audio-cloned"
	case BothCloned:
		return "both-cloned"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Channel names one of the two independent classifications.
type Channel int

const (
	Picture Channel = iota
	Audio
)

func (c Channel) String() string {
	if c == Picture {
		return "picture"
	}
	return "audio"
}

// FragmentResult holds the two flags of one fragment. Only the aggregator's
// collector writes it.
type FragmentResult struct {
	Index         int
	PictureCloned bool
	AudioCloned   bool
	// PictureFakeProb and AudioFakeProb are the classifier outputs, zero for
	// a failed branch.
	PictureFakeProb float64
	AudioFakeProb   float64
	// Degraded lists the channels whose classification failed and were
	// recorded as not cloned.
	Degraded []Channel
}

// IsCloned is the OR of both flags.
func (r FragmentResult) IsCloned() bool { return r.PictureCloned || r.AudioCloned }

// Verdict is the reduced outcome with the evidence behind it.
type Verdict struct {
	Category Category
	// PictureEvidence and AudioEvidence are the sorted fragment indices that
	// raised each flag.
	PictureEvidence []int
	AudioEvidence   []int
	// Degraded is the sorted set of fragment indices with at least one
	// failed branch.
	Degraded  []int
	Fragments []FragmentResult
}

// Reduce OR-reduces the fragment flags. It does not depend on input order
// and never mutates results.
func Reduce(results []FragmentResult) Verdict {
	v := Verdict{Fragments: slices.Clone(results)}
	slices.SortFunc(v.Fragments, func(a, b FragmentResult) int { return a.Index - b.Index })

	for _, r := range v.Fragments {
		if r.PictureCloned {
			v.PictureEvidence = append(v.PictureEvidence, r.Index)
		}
		if r.AudioCloned {
			v.AudioEvidence = append(v.AudioEvidence, r.Index)
		}
		if len(r.Degraded) > 0 {
			v.Degraded = append(v.Degraded, r.Index)
		}
	}

	switch pic, aud := len(v.PictureEvidence) > 0, len(v.AudioEvidence) > 0; {
	case pic && aud:
		v.Category = BothCloned
	case pic:
		v.Category = PictureCloned
	case aud:
		v.Category = AudioCloned
	default:
		v.Category = NotCloned
	}
	return v
}

// Cloned reports whether any channel of any fragment was flagged.
func (v Verdict) Cloned() bool { return v.Category != NotCloned }

func (v Verdict) String() string {
	var b strings.Builder
	b.WriteString(v.Category.String())
	if len(v.PictureEvidence) > 0 {
		fmt.Fprintf(&b, " picture=%v", v.PictureEvidence)
	}
	if len(v.AudioEvidence) > 0 {
		fmt.Fprintf(&b, " audio=%v", v.AudioEvidence)
	}
	if len(v.Degraded) > 0 {
		fmt.Fprintf(&b, " degraded=%v", v.Degraded)
	}
	return b.String()
}
