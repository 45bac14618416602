// Package engine defines the inference collaborators the verification core
// depends on (embedding extraction, real/fake classification, document
// reading, face coverage) and a bounded Pool that serves all of them from
// out-of-process engine workers.
//
// Every call is blocking and CPU bound on the engine side. Callers must not
// issue them from a goroutine that owns interactive duties.
package engine

import (
	"context"
	"fmt"

	"github.com/andresmejia3/verity/internal/types"
)

// ImageEmbedder turns a still image into a face embedding of fixed length.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, img types.Image) (types.Embedding, error)
}

// AudioEmbedder turns an audio clip into a voice embedding of fixed length.
type AudioEmbedder interface {
	EmbedAudio(ctx context.Context, clip types.AudioClip) (types.Embedding, error)
}

// Classifier labels an embedding real or fake.
type Classifier interface {
	Classify(ctx context.Context, e types.Embedding) (types.LivenessVerdict, error)
}

// DocumentReader extracts structured fields and the portrait from an ID
// document image.
type DocumentReader interface {
	ReadDocument(ctx context.Context, img types.Image) (types.Document, error)
}

// CoverageEstimator reports how much of the frame a face fills, in [0, 1].
// It drives framing feedback only and is never authoritative.
type CoverageEstimator interface {
	EstimateFaceCoverage(ctx context.Context, frame types.Image) (float64, error)
}

// ExtractionError reports malformed input to an extractor or an output of
// the wrong shape.
type ExtractionError struct {
	Modality string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("engine: %s extraction failed: %v", e.Modality, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ModelError reports an inference backend failure.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("engine: %s model failed: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ReadError reports a document that could not be read.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "engine: document read failed: " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }
