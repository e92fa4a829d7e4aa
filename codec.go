package dal

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes documents for the cache store.
type Codec interface {
	Encode(doc Document) ([]byte, error)
	Decode(body []byte) (Document, error)
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(doc Document) ([]byte, error) { return json.Marshal(doc) }

func (JSONCodec) Decode(body []byte) (Document, error) {
	var v any
	if err := decodeExactJSON(body, &v); err != nil {
		return nil, err
	}
	switch doc := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return Document(doc), nil
	default:
		return nil, fmt.Errorf("decode document: unexpected %T", v)
	}
}

// MsgpackCodec serializes with vmihailenco/msgpack/v5.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(doc Document) ([]byte, error) { return msgpack.Marshal(map[string]any(doc)) }

func (MsgpackCodec) Decode(body []byte) (Document, error) {
	var doc map[string]any
	if err := msgpack.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return Document(doc), nil
}

// CBORCodec serializes with fxamacker/cbor. Nested maps decode as map[string]any,
// including for the zero value.
type CBORCodec struct {
	dm cbor.DecMode
}

var cborStringMaps = sync.OnceValues(func() (cbor.DecMode, error) {
	return cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
})

// NewCBORCodec returns a CBOR codec whose nested maps decode with string keys.
func NewCBORCodec() (CBORCodec, error) {
	dm, err := cborStringMaps()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{dm: dm}, nil
}

func (c CBORCodec) Encode(doc Document) ([]byte, error) { return cbor.Marshal(map[string]any(doc)) }

func (c CBORCodec) Decode(body []byte) (Document, error) {
	dm := c.dm
	if dm == nil {
		var err error
		if dm, err = cborStringMaps(); err != nil {
			return nil, err
		}
	}
	var doc map[string]any
	if err := dm.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return Document(doc), nil
}
