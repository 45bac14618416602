package types

import (
	"fmt"
	"time"
)

// Embedding is a fixed-length feature vector produced by an extractor.
// The length is fixed per modality (face vs voice).
type Embedding []float32

// Clone returns a copy that shares no memory with e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	cp := make(Embedding, len(e))
	copy(cp, e)
	return cp
}

// Image is an encoded still (JPEG/PNG) handed to the engine untouched.
type Image struct {
	Data   []byte
	Format string // "jpeg", "png"
}

// Empty reports whether the image carries no pixel data.
func (i Image) Empty() bool { return len(i.Data) == 0 }

// AudioClip is mono float PCM normalised to [-1, 1].
type AudioClip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the clip.
func (a AudioClip) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// Label is the tag of a LivenessVerdict.
type Label int

const (
	Real Label = iota
	Fake
)

func (l Label) String() string {
	switch l {
	case Real:
		return "real"
	case Fake:
		return "fake"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// LivenessVerdict is the outcome of a real/fake classifier. The same shape
// is used for liveness and for picture/audio clone detection.
type LivenessVerdict struct {
	Label    Label
	RealProb float64
	FakeProb float64
}

// NewVerdict builds a verdict from the two class probabilities, labelling it
// by whichever class dominates.
func NewVerdict(realProb, fakeProb float64) LivenessVerdict {
	v := LivenessVerdict{RealProb: realProb, FakeProb: fakeProb, Label: Fake}
	if realProb >= fakeProb {
		v.Label = Real
	}
	return v
}

// Against relabels the verdict: Real iff RealProb >= threshold.
func (v LivenessVerdict) Against(threshold float64) LivenessVerdict {
	if v.RealProb >= threshold {
		v.Label = Real
	} else {
		v.Label = Fake
	}
	return v
}

// IsReal reports whether the verdict is tagged Real.
func (v LivenessVerdict) IsReal() bool { return v.Label == Real }

// Document is the structured output of a document reader.
type Document struct {
	Fields map[string]string
	Photo  *Image
}

// Field returns the first non-empty value among the given field names.
func (d Document) Field(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := d.Fields[n]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
