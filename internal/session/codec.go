package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"time"
)

// Codec serializes attribute values for storage.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

func init() {
	gob.Register(time.Time{})
	gob.Register(time.Duration(0))
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register([]string{})
	gob.Register(map[string]string{})
}

// RegisterAttributeType makes a concrete type storable as an attribute
// value under GobCodec. Call it at init time for every struct type that
// is put into a session.
func RegisterAttributeType(v any) {
	gob.Register(v)
}

// gobValue carries the dynamic type of an attribute through gob.
type gobValue struct {
	V any
}

// GobCodec stores attributes with encoding/gob so values decode to the
// Go type they were saved with. It is the default codec.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobValue{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (any, error) {
	var w gobValue
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	return w.V, nil
}

// JSONCodec stores attributes as JSON, readable by non-Go clients.
// Decoded numbers come back as float64 and objects as map[string]any.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
