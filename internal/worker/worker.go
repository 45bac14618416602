package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/verity/internal/utils"
)

// Op selects the engine routine a request is dispatched to.
type Op uint8

const (
	OpEmbedImage Op = iota + 1
	OpEmbedAudio
	OpClassifyLiveness
	OpClassifyPictureClone
	OpClassifyAudioClone
	OpReadDocument
	OpFaceCoverage
)

func (o Op) String() string {
	switch o {
	case OpEmbedImage:
		return "embed-image"
	case OpEmbedAudio:
		return "embed-audio"
	case OpClassifyLiveness:
		return "classify-liveness"
	case OpClassifyPictureClone:
		return "classify-picture-clone"
	case OpClassifyAudioClone:
		return "classify-audio-clone"
	case OpReadDocument:
		return "read-document"
	case OpFaceCoverage:
		return "face-coverage"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

const (
	statusOK    = 0
	statusError = 1

	// maxFrame bounds a single response so a corrupt header cannot make us
	// allocate gigabytes.
	maxFrame = 64 << 20
)

// RemoteError is an error reported by the engine itself (bad input, model
// failure). The worker stays usable after one.
type RemoteError struct {
	Op  Op
	Msg string
}

func (e *RemoteError) Error() string {
	return "engine worker error: " + e.Msg
}

// Config holds per-worker settings.
type Config struct {
	// Command is the engine executable and its arguments.
	Command []string

	// ReadTimeout bounds a single response read. Zero waits forever.
	ReadTimeout time.Duration
}

// EngineWorker drives one inference engine process. Requests go over the
// child's stdin; responses come back on a side-channel pipe (FD 3) so the
// engine's own stdout/stderr logging cannot corrupt the stream.
type EngineWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	mu          sync.Mutex
}

// NewEngineWorker starts the engine process.
func NewEngineWorker(ctx context.Context, id int, cfg Config) (*EngineWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker: empty engine command")
	}
	cmd := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// The write end shows up as FD 3 in the child.
	cmd.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now, so EOF on r means it died.
	w.Close()

	return &EngineWorker{
		ID:          id,
		Cmd:         cmd,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Call sends one request and returns the response body.
func (w *EngineWorker) Call(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.setDeadline(ctx)

	// Request: [Length][Op][Payload]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(append([]byte{byte(op)}, payload...)); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // engine crashed or pipe closed
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxFrame {
		return nil, fmt.Errorf("worker %d: invalid response length %d", w.ID, respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		msg, err := readString(resp[1:])
		if err != nil {
			return nil, fmt.Errorf("worker %d: malformed error frame: %w", w.ID, err)
		}
		return nil, &RemoteError{Op: op, Msg: msg}
	default:
		return nil, fmt.Errorf("worker %d: unknown status byte %d", w.ID, resp[0])
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (w *EngineWorker) setDeadline(ctx context.Context) {
	rd, ok := w.DataPipe.(readDeadliner)
	if !ok {
		return
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if w.readTimeout > 0 {
		if t := time.Now().Add(w.readTimeout); deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	_ = rd.SetReadDeadline(deadline)
}

// Logs returns whatever the engine wrote to stderr so far.
func (w *EngineWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

// Close shuts the engine down and waits for it to exit.
func (w *EngineWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

func readString(b []byte) (string, error) {
	if len(b) < 4 {
		return "", io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return "", io.ErrUnexpectedEOF
	}
	return string(b[4 : 4+n]), nil
}
