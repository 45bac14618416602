package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/andresmejia3/verity/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn answers every call with the handler's result.
type fakeConn struct {
	handle func(op worker.Op, payload []byte) ([]byte, error)
	closed atomic.Bool
}

func (f *fakeConn) Call(ctx context.Context, op worker.Op, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.handle(op, payload)
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestPool(t *testing.T, size int, handle func(worker.Op, []byte) ([]byte, error)) *Pool {
	t.Helper()
	p, err := NewPool(context.Background(), PoolOptions{
		Size:     size,
		FaceDim:  4,
		VoiceDim: 2,
		Dial: func(context.Context, int) (Conn, error) {
			return &fakeConn{handle: handle}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func scalar(v float32) []byte {
	return binary.BigEndian.AppendUint32(nil, math.Float32bits(v))
}

func TestEmbedImage(t *testing.T) {
	p := newTestPool(t, 1, func(op worker.Op, payload []byte) ([]byte, error) {
		require.Equal(t, worker.OpEmbedImage, op)
		require.Equal(t, []byte("jpeg"), payload)
		return worker.EncodeVector([]float32{1, 2, 3, 4}), nil
	})

	e, err := p.EmbedImage(context.Background(), types.Image{Data: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, types.Embedding{1, 2, 3, 4}, e)
}

func TestEmbedImage_WrongDimension(t *testing.T) {
	p := newTestPool(t, 1, func(worker.Op, []byte) ([]byte, error) {
		return worker.EncodeVector([]float32{1, 2}), nil
	})

	_, err := p.EmbedImage(context.Background(), types.Image{Data: []byte("jpeg")})
	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "face", ee.Modality)
}

func TestEmbedImage_EmptyNeverReachesEngine(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, 1, func(worker.Op, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})

	_, err := p.EmbedImage(context.Background(), types.Image{})
	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Zero(t, calls.Load())
}

func TestEmbedAudio(t *testing.T) {
	p := newTestPool(t, 1, func(op worker.Op, payload []byte) ([]byte, error) {
		require.Equal(t, worker.OpEmbedAudio, op)
		assert.Equal(t, uint32(16000), binary.BigEndian.Uint32(payload))
		return worker.EncodeVector([]float32{0.5, 0.5}), nil
	})

	e, err := p.EmbedAudio(context.Background(), types.AudioClip{Samples: []float32{0.1}, SampleRate: 16000})
	require.NoError(t, err)
	assert.Len(t, e, 2)

	_, err = p.EmbedAudio(context.Background(), types.AudioClip{})
	var ee *ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "voice", ee.Modality)
}

func TestClassify(t *testing.T) {
	p := newTestPool(t, 1, func(op worker.Op, _ []byte) ([]byte, error) {
		switch op {
		case worker.OpClassifyLiveness:
			return worker.EncodeProbabilities(0.9, 0.1), nil
		case worker.OpClassifyAudioClone:
			return worker.EncodeProbabilities(0.2, 0.8), nil
		default:
			return worker.EncodeProbabilities(1.5, 0), nil
		}
	})
	ctx := context.Background()
	e := types.Embedding{1, 0, 0, 0}

	v, err := p.Liveness().Classify(ctx, e)
	require.NoError(t, err)
	assert.True(t, v.IsReal())
	assert.InDelta(t, 0.9, v.RealProb, 1e-6)

	v, err = p.AudioClone().Classify(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, types.Fake, v.Label)

	_, err = p.PictureClone().Classify(ctx, e)
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "picture-clone", me.Model)
}

func TestClassify_RemoteErrorKeepsWorker(t *testing.T) {
	var dials atomic.Int32
	p, err := NewPool(context.Background(), PoolOptions{
		Size: 1,
		Dial: func(context.Context, int) (Conn, error) {
			dials.Add(1)
			return &fakeConn{handle: func(worker.Op, []byte) ([]byte, error) {
				return nil, &worker.RemoteError{Op: worker.OpClassifyLiveness, Msg: "bad input"}
			}}, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Liveness().Classify(context.Background(), types.Embedding{1})
	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, int32(1), dials.Load(), "a remote error must not restart the worker")
}

func TestBrokenWorkerIsRestarted(t *testing.T) {
	var dials atomic.Int32
	var first *fakeConn
	p, err := NewPool(context.Background(), PoolOptions{
		Size:    1,
		FaceDim: 1,
		Dial: func(context.Context, int) (Conn, error) {
			n := dials.Add(1)
			if n == 1 {
				first = &fakeConn{handle: func(worker.Op, []byte) ([]byte, error) {
					return nil, io.ErrUnexpectedEOF
				}}
				return first, nil
			}
			return &fakeConn{handle: func(worker.Op, []byte) ([]byte, error) {
				return worker.EncodeVector([]float32{1}), nil
			}}, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()

	img := types.Image{Data: []byte("x")}
	_, err = p.EmbedImage(context.Background(), img)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, first.closed.Load())

	e, err := p.EmbedImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, types.Embedding{1}, e)
	assert.Equal(t, int32(2), dials.Load())
}

func TestExpiredContextKeepsWorker(t *testing.T) {
	var dials atomic.Int32
	p, err := NewPool(context.Background(), PoolOptions{
		Size:    1,
		FaceDim: 1,
		Dial: func(context.Context, int) (Conn, error) {
			dials.Add(1)
			return &fakeConn{handle: func(worker.Op, []byte) ([]byte, error) {
				return worker.EncodeVector([]float32{1}), nil
			}}, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	img := types.Image{Data: []byte("x")}
	for range 50 {
		_, err := p.EmbedImage(ctx, img)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, int32(1), dials.Load(), "an expired deadline must not restart the worker")

	e, err := p.EmbedImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, types.Embedding{1}, e)
}

func TestReadTimeoutRestartsWorker(t *testing.T) {
	assert.True(t, isBroken(os.ErrDeadlineExceeded))
	assert.True(t, isBroken(io.ErrUnexpectedEOF))
	assert.False(t, isBroken(context.DeadlineExceeded))
	assert.False(t, isBroken(context.Canceled))
	assert.False(t, isBroken(ErrWorkerDown))
	assert.False(t, isBroken(&worker.RemoteError{Op: worker.OpEmbedImage, Msg: "bad input"}))
}

func TestFailedRestartMarksSlotDown(t *testing.T) {
	var dials atomic.Int32
	p, err := NewPool(context.Background(), PoolOptions{
		Size: 1,
		Dial: func(context.Context, int) (Conn, error) {
			if dials.Add(1) > 1 {
				return nil, errors.New("engine binary missing")
			}
			return &fakeConn{handle: func(worker.Op, []byte) ([]byte, error) {
				return nil, io.EOF
			}}, nil
		},
	})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadDocument(context.Background(), types.Image{Data: []byte("x")})
	var re *ReadError
	require.ErrorAs(t, err, &re)

	_, err = p.ReadDocument(context.Background(), types.Image{Data: []byte("x")})
	require.ErrorIs(t, err, ErrWorkerDown)
	assert.Equal(t, int32(2), dials.Load(), "a dead slot is not redialled on every call")
}

func TestNewPool_DialFailureClosesStarted(t *testing.T) {
	var started []*fakeConn
	_, err := NewPool(context.Background(), PoolOptions{
		Size: 3,
		Dial: func(_ context.Context, id int) (Conn, error) {
			if id == 2 {
				return nil, errors.New("boom")
			}
			c := &fakeConn{}
			started = append(started, c)
			return c, nil
		},
	})
	require.Error(t, err)
	require.Len(t, started, 2)
	for _, c := range started {
		assert.True(t, c.closed.Load())
	}

	_, err = NewPool(context.Background(), PoolOptions{})
	assert.Error(t, err)
}

func TestCallWaitsForFreeSlot(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	p := newTestPool(t, 1, func(worker.Op, []byte) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return scalar(0.5), nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.EstimateFaceCoverage(context.Background(), types.Image{Data: []byte("x")})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.EstimateFaceCoverage(ctx, types.Image{Data: []byte("y")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
}

func TestEstimateFaceCoverageClamps(t *testing.T) {
	values := []float32{1.7, -0.2, 0.42}
	var i atomic.Int32
	p := newTestPool(t, 1, func(op worker.Op, _ []byte) ([]byte, error) {
		require.Equal(t, worker.OpFaceCoverage, op)
		return scalar(values[i.Add(1)-1]), nil
	})
	ctx := context.Background()
	img := types.Image{Data: []byte("x")}

	for _, want := range []float64{1, 0, 0.42} {
		got, err := p.EstimateFaceCoverage(ctx, img)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-6)
	}
}

func TestReadDocument(t *testing.T) {
	doc := types.Document{
		Fields: map[string]string{"age": "30"},
		Photo:  &types.Image{Data: []byte{1, 2}, Format: "jpeg"},
	}
	body, err := worker.EncodeDocument(doc)
	require.NoError(t, err)
	p := newTestPool(t, 2, func(worker.Op, []byte) ([]byte, error) { return body, nil })

	got, err := p.ReadDocument(context.Background(), types.Image{Data: []byte("id")})
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = p.ReadDocument(context.Background(), types.Image{})
	var re *ReadError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, 2, p.Size())
}
