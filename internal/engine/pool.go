package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/andresmejia3/verity/internal/worker"
	"go.uber.org/zap"
)

// ErrWorkerDown is returned by a pool slot whose engine died and could not
// be restarted.
var ErrWorkerDown = errors.New("engine: worker is down")

// Conn is one engine connection. *worker.EngineWorker satisfies it.
type Conn interface {
	Call(ctx context.Context, op worker.Op, payload []byte) ([]byte, error)
	Close() error
}

// DialFunc starts the engine for pool slot id.
type DialFunc func(ctx context.Context, id int) (Conn, error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Size is the number of engine workers. Zero means runtime.NumCPU().
	Size int

	// FaceDim and VoiceDim are the expected embedding lengths. Zero skips
	// the check for that modality.
	FaceDim  int
	VoiceDim int

	Dial   DialFunc
	Logger *zap.Logger
}

// Pool is a bounded set of engine connections. A call borrows one
// connection for its duration, so at most Size inference calls run at once.
// It implements every collaborator interface in this package.
type Pool struct {
	slots    chan slot
	size     int
	faceDim  int
	voiceDim int
	dial     DialFunc
	log      *zap.Logger
}

type slot struct {
	id   int
	conn Conn
}

// NewPool dials Size engines. If any dial fails, the ones already started
// are closed.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if opts.Dial == nil {
		return nil, errors.New("engine: PoolOptions.Dial is required")
	}
	if opts.Size <= 0 {
		opts.Size = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Pool{
		slots:    make(chan slot, opts.Size),
		size:     opts.Size,
		faceDim:  opts.FaceDim,
		voiceDim: opts.VoiceDim,
		dial:     opts.Dial,
		log:      opts.Logger,
	}
	for i := 0; i < opts.Size; i++ {
		c, err := opts.Dial(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("engine: start worker %d: %w", i, err)
		}
		p.slots <- slot{id: i, conn: c}
	}
	p.log.Info("engine pool ready", zap.Int("workers", opts.Size))
	return p, nil
}

// WorkerDialer returns a DialFunc that spawns engine worker processes.
func WorkerDialer(cfg worker.Config) DialFunc {
	return func(ctx context.Context, id int) (Conn, error) {
		return worker.NewEngineWorker(ctx, id, cfg)
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

func (p *Pool) call(ctx context.Context, op worker.Op, payload []byte) ([]byte, error) {
	var s slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := s.conn.Call(ctx, op, payload)
	if err != nil && isBroken(err) {
		s = p.restart(ctx, s, err)
	}
	p.slots <- s
	return body, err
}

// isBroken reports whether err means the connection itself is unusable.
// Context errors come back before the pipe is touched. A read that times out
// mid-frame is os.ErrDeadlineExceeded and still counts as broken.
func isBroken(err error) bool {
	var re *worker.RemoteError
	if errors.As(err, &re) {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrWorkerDown)
}

func (p *Pool) restart(ctx context.Context, s slot, cause error) slot {
	p.log.Warn("engine worker failed, restarting", zap.Int("worker", s.id), zap.Error(cause))
	if err := s.conn.Close(); err != nil {
		p.log.Debug("closing failed worker", zap.Int("worker", s.id), zap.Error(err))
	}
	// The replacement outlives this call, so it must not die with ctx.
	c, err := p.dial(context.WithoutCancel(ctx), s.id)
	if err != nil {
		p.log.Error("engine worker restart failed", zap.Int("worker", s.id), zap.Error(err))
		return slot{id: s.id, conn: deadConn{}}
	}
	return slot{id: s.id, conn: c}
}

// Close stops every idle engine. Calls in flight keep their connection until
// they finish; do not Close while calls are running.
func (p *Pool) Close() error {
	var errs []error
	for {
		select {
		case s := <-p.slots:
			if err := s.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) EmbedImage(ctx context.Context, img types.Image) (types.Embedding, error) {
	if img.Empty() {
		return nil, &ExtractionError{Modality: "face", Err: errors.New("empty image")}
	}
	return p.embed(ctx, "face", worker.OpEmbedImage, img.Data, p.faceDim)
}

func (p *Pool) EmbedAudio(ctx context.Context, clip types.AudioClip) (types.Embedding, error) {
	if len(clip.Samples) == 0 || clip.SampleRate <= 0 {
		return nil, &ExtractionError{Modality: "voice", Err: errors.New("empty audio clip")}
	}
	return p.embed(ctx, "voice", worker.OpEmbedAudio, worker.EncodeAudio(clip), p.voiceDim)
}

func (p *Pool) embed(ctx context.Context, modality string, op worker.Op, payload []byte, dim int) (types.Embedding, error) {
	body, err := p.call(ctx, op, payload)
	if err != nil {
		return nil, &ExtractionError{Modality: modality, Err: err}
	}
	v, err := worker.DecodeVector(body)
	if err != nil {
		return nil, &ExtractionError{Modality: modality, Err: err}
	}
	if dim > 0 && len(v) != dim {
		return nil, &ExtractionError{
			Modality: modality,
			Err:      fmt.Errorf("got %d-d embedding, want %d", len(v), dim),
		}
	}
	return types.Embedding(v), nil
}

// Liveness classifies face embeddings as live or spoofed.
func (p *Pool) Liveness() Classifier {
	return classifier{pool: p, op: worker.OpClassifyLiveness, name: "liveness"}
}

// PictureClone classifies face embeddings from video stills as synthetic or
// authentic.
func (p *Pool) PictureClone() Classifier {
	return classifier{pool: p, op: worker.OpClassifyPictureClone, name: "picture-clone"}
}

// AudioClone classifies voice embeddings as synthetic or authentic.
func (p *Pool) AudioClone() Classifier {
	return classifier{pool: p, op: worker.OpClassifyAudioClone, name: "audio-clone"}
}

type classifier struct {
	pool *Pool
	op   worker.Op
	name string
}

func (c classifier) Classify(ctx context.Context, e types.Embedding) (types.LivenessVerdict, error) {
	body, err := c.pool.call(ctx, c.op, worker.EncodeVector(e))
	if err != nil {
		return types.LivenessVerdict{}, &ModelError{Model: c.name, Err: err}
	}
	rp, fp, err := worker.DecodeProbabilities(body)
	if err != nil {
		return types.LivenessVerdict{}, &ModelError{Model: c.name, Err: err}
	}
	if rp < 0 || rp > 1 || fp < 0 || fp > 1 {
		return types.LivenessVerdict{}, &ModelError{
			Model: c.name,
			Err:   fmt.Errorf("probabilities out of range: real=%.3f fake=%.3f", rp, fp),
		}
	}
	return types.NewVerdict(rp, fp), nil
}

func (p *Pool) ReadDocument(ctx context.Context, img types.Image) (types.Document, error) {
	if img.Empty() {
		return types.Document{}, &ReadError{Err: errors.New("empty image")}
	}
	body, err := p.call(ctx, worker.OpReadDocument, img.Data)
	if err != nil {
		return types.Document{}, &ReadError{Err: err}
	}
	doc, err := worker.DecodeDocument(body)
	if err != nil {
		return types.Document{}, &ReadError{Err: err}
	}
	return doc, nil
}

func (p *Pool) EstimateFaceCoverage(ctx context.Context, frame types.Image) (float64, error) {
	body, err := p.call(ctx, worker.OpFaceCoverage, frame.Data)
	if err != nil {
		return 0, err
	}
	v, err := worker.DecodeScalar(body)
	if err != nil {
		return 0, err
	}
	return min(max(v, 0), 1), nil
}

// deadConn occupies the slot of an engine that could not be restarted.
type deadConn struct{}

func (deadConn) Call(context.Context, worker.Op, []byte) ([]byte, error) { return nil, ErrWorkerDown }
func (deadConn) Close() error                                            { return nil }
