// Package store persists biometric templates (embeddings) under a single
// application-scoped namespace.
//
// The Store owns serialization and the error taxonomy; a Backend only moves
// opaque bytes. Writes are last-writer-wins and the Store does no locking of
// its own: callers serialize concurrent writes to the same key.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// Well-known record keys written by the verification flow.
const (
	KeySelfie    = "selfie"
	KeyIDProfile = "idProfile"
)

// DefaultNamespace is used when the configuration does not name one.
const DefaultNamespace = "verity.biometric"

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("store: not found")

// Kind classifies a storage failure.
type Kind int

const (
	EncodingError Kind = iota + 1
	DecodingError
	BackendError
)

func (k Kind) String() string {
	switch k {
	case EncodingError:
		return "encoding"
	case DecodingError:
		return "decoding"
	case BackendError:
		return "backend"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a StorageError.
type Error struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s error for %q: %v", e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a store Error of the given kind.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

// Backend moves raw bytes for a single namespace.
type Backend interface {
	// Get returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites any existing value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete succeeds if the key is absent.
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key in the namespace without leaving
	// recoverable data behind.
	DeleteAll(ctx context.Context) error
	Close() error
}

// record is the serialized form of an embedding.
type record struct {
	Dim    int       `msgpack:"dim"`
	Values []float32 `msgpack:"values"`
}

// Store is the Biometric Store.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Store persists e under key, replacing any previous value.
func (s *Store) Store(ctx context.Context, key string, e types.Embedding) error {
	data, err := encode(e)
	if err != nil {
		return &Error{Kind: EncodingError, Key: key, Err: err}
	}
	if err := s.backend.Set(ctx, key, data); err != nil {
		return &Error{Kind: BackendError, Key: key, Err: err}
	}
	return nil
}

// Retrieve returns the embedding stored under key. ok is false if the key
// is absent.
func (s *Store) Retrieve(ctx context.Context, key string) (types.Embedding, bool, error) {
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Kind: BackendError, Key: key, Err: err}
	}
	e, err := decode(data)
	if err != nil {
		return nil, false, &Error{Kind: DecodingError, Key: key, Err: err}
	}
	return e, true, nil
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.backend.Delete(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return &Error{Kind: BackendError, Key: key, Err: err}
	}
	return nil
}

// DeleteAll wipes the namespace.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.backend.DeleteAll(ctx); err != nil {
		return &Error{Kind: BackendError, Key: "*", Err: err}
	}
	return nil
}

// ExistsBoth is true only if both keys hold decodable, non-empty embeddings.
func (s *Store) ExistsBoth(ctx context.Context, a, b string) bool {
	for _, k := range []string{a, b} {
		e, ok, err := s.Retrieve(ctx, k)
		if err != nil || !ok || len(e) == 0 {
			return false
		}
	}
	return true
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func encode(e types.Embedding) ([]byte, error) {
	if len(e) == 0 {
		return nil, errors.New("empty embedding")
	}
	return msgpack.Marshal(record{Dim: len(e), Values: e})
}

func decode(data []byte) (types.Embedding, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Dim <= 0 || len(r.Values) != r.Dim {
		return nil, fmt.Errorf("vector length %d does not match recorded dimension %d", len(r.Values), r.Dim)
	}
	return types.Embedding(r.Values), nil
}
