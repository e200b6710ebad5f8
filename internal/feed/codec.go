package feed

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/syntrixbase/broker/pkg/model"
)

// Codec serializes changes onto a message transport.
type Codec interface {
	Name() string
	Marshal(c Change) ([]byte, error)
	Unmarshal(data []byte, c *Change) error
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CodecByName returns the codec registered under name. Empty means json.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown feed codec %q", model.ErrInvalidArgument, name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(c Change) ([]byte, error) { return json.Marshal(c) }

func (JSONCodec) Unmarshal(data []byte, c *Change) error { return json.Unmarshal(data, c) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("feed: CBOR encoder initialization failed: " + err.Error())
	}
	// Payload maps must decode as map[string]interface{}, not the CBOR
	// default of map[interface{}]interface{}.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("feed: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec uses deterministic CBOR. Smaller than JSON for numeric payloads
// and keeps integers as integers.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) Marshal(c Change) ([]byte, error) { return cborEnc.Marshal(c) }

func (CBORCodec) Unmarshal(data []byte, c *Change) error { return cborDec.Unmarshal(data, c) }
