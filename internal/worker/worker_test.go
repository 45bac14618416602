package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCloser lets in-memory buffers stand in for the OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose data pipe is pre-filled with the
// given response frames.
func newMockWorker(frames ...[]byte) (*EngineWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, f := range frames {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(f)))
		dataPipeMock.Write(f)
	}
	// Cmd is nil: only the protocol is under test.
	return &EngineWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func okFrame(body []byte) []byte {
	return append([]byte{statusOK}, body...)
}

func errFrame(msg string) []byte {
	f := []byte{statusError}
	f = binary.BigEndian.AppendUint32(f, uint32(len(msg)))
	return append(f, msg...)
}

func TestCall_EmbedImage(t *testing.T) {
	vec := make([]float32, 512)
	vec[0] = 0.5
	w, stdin := newMockWorker(okFrame(EncodeVector(vec)))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	body, err := w.Call(context.Background(), OpEmbedImage, inputFrame)
	require.NoError(t, err)

	// Request: 4 byte length + op + payload
	sent := stdin.Bytes()
	require.Len(t, sent, 4+1+len(inputFrame))
	assert.Equal(t, uint32(1+len(inputFrame)), binary.BigEndian.Uint32(sent))
	assert.Equal(t, byte(OpEmbedImage), sent[4])
	assert.Equal(t, inputFrame, sent[5:])

	got, err := DecodeVector(body)
	require.NoError(t, err)
	require.Len(t, got, 512)
	assert.InDelta(t, 0.5, got[0], 1e-9)
}

func TestCall_Error(t *testing.T) {
	errMsg := "no face found in frame"
	w, _ := newMockWorker(errFrame(errMsg))

	_, err := w.Call(context.Background(), OpEmbedImage, []byte("frame"))
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, OpEmbedImage, re.Op)
	assert.Equal(t, "engine worker error: "+errMsg, err.Error())
}

func TestCall_WorkerUsableAfterRemoteError(t *testing.T) {
	w, _ := newMockWorker(errFrame("bad input"), okFrame(EncodeProbabilities(0.9, 0.1)))

	_, err := w.Call(context.Background(), OpClassifyLiveness, EncodeVector([]float32{1}))
	require.Error(t, err)

	body, err := w.Call(context.Background(), OpClassifyLiveness, EncodeVector([]float32{1}))
	require.NoError(t, err)
	rp, fp, err := DecodeProbabilities(body)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rp, 1e-6)
	assert.InDelta(t, 0.1, fp, 1e-6)
}

func TestCall_TruncatedResponse(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(100))
	dataPipeMock.Write([]byte{statusOK, 1, 2})
	w := &EngineWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.Call(context.Background(), OpFaceCoverage, []byte("x"))
	assert.Error(t, err)
}

func TestCall_CancelledContext(t *testing.T) {
	w, stdin := newMockWorker(okFrame(EncodeVector([]float32{1})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Call(ctx, OpEmbedImage, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stdin.Len(), "nothing should be sent once cancelled")
}

func TestDecodeVector_Malformed(t *testing.T) {
	_, err := DecodeVector([]byte{0, 0})
	assert.Error(t, err)

	b := EncodeVector([]float32{1, 2, 3})
	_, err = DecodeVector(b[:len(b)-1])
	assert.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := types.Document{
		Fields: map[string]string{"age": "34", "dateOfExpiry": "2031-04-01"},
		Photo:  &types.Image{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Format: "jpeg"},
	}
	b, err := EncodeDocument(doc)
	require.NoError(t, err)

	got, err := DecodeDocument(b)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	b, err = EncodeDocument(types.Document{})
	require.NoError(t, err)
	got, err = DecodeDocument(b)
	require.NoError(t, err)
	assert.Nil(t, got.Photo)
	assert.NotNil(t, got.Fields)
}

func TestEncodeAudio(t *testing.T) {
	b := EncodeAudio(types.AudioClip{Samples: []float32{0.5, -0.5}, SampleRate: 16000})
	assert.Equal(t, uint32(16000), binary.BigEndian.Uint32(b))
	v, err := DecodeVector(b[4:])
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5}, v)
}
