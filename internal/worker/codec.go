package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeVector writes [dim u32][dim x float32], big endian.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.BigEndian.PutUint32(buf, uint32(len(v)))
	for i, x := range v {
		binary.BigEndian.PutUint32(buf[4+4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	dim := int(binary.BigEndian.Uint32(b))
	if len(b)-4 != 4*dim {
		return nil, fmt.Errorf("vector body is %d bytes, want %d for dim %d", len(b)-4, 4*dim, dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(b[4+4*i:]))
	}
	return v, nil
}

// EncodeAudio writes [rate u32] followed by the samples as a vector.
func EncodeAudio(a types.AudioClip) []byte {
	buf := make([]byte, 4, 8+4*len(a.Samples))
	binary.BigEndian.PutUint32(buf, uint32(a.SampleRate))
	return append(buf, EncodeVector(a.Samples)...)
}

// DecodeProbabilities reads the [real f32][fake f32] classifier body.
func DecodeProbabilities(b []byte) (realProb, fakeProb float64, err error) {
	if len(b) != 8 {
		return 0, 0, fmt.Errorf("probability body is %d bytes, want 8", len(b))
	}
	realProb = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	fakeProb = float64(math.Float32frombits(binary.BigEndian.Uint32(b[4:])))
	return realProb, fakeProb, nil
}

// EncodeProbabilities is the engine-side form of a classifier body.
func EncodeProbabilities(realProb, fakeProb float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf, math.Float32bits(float32(realProb)))
	binary.BigEndian.PutUint32(buf[4:], math.Float32bits(float32(fakeProb)))
	return buf
}

// DecodeScalar reads a single float32 body.
func DecodeScalar(b []byte) (float64, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("scalar body is %d bytes, want 4", len(b))
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
}

// documentBody is the msgpack shape of a read-document response.
type documentBody struct {
	Fields      map[string]string `msgpack:"fields"`
	Photo       []byte            `msgpack:"photo"`
	PhotoFormat string            `msgpack:"photo_format"`
}

// DecodeDocument unpacks a read-document response.
func DecodeDocument(b []byte) (types.Document, error) {
	var body documentBody
	if err := msgpack.Unmarshal(b, &body); err != nil {
		return types.Document{}, err
	}
	doc := types.Document{Fields: body.Fields}
	if doc.Fields == nil {
		doc.Fields = map[string]string{}
	}
	if len(body.Photo) > 0 {
		doc.Photo = &types.Image{Data: body.Photo, Format: body.PhotoFormat}
	}
	return doc, nil
}

// EncodeDocument is the engine-side form of a read-document response.
func EncodeDocument(d types.Document) ([]byte, error) {
	body := documentBody{Fields: d.Fields}
	if d.Photo != nil {
		body.Photo = d.Photo.Data
		body.PhotoFormat = d.Photo.Format
	}
	return msgpack.Marshal(body)
}
