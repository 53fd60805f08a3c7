package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR is the Marshaler/Unmarshaler for persisted notification records
// (internal/queue); Table->LiveQuery rows are JSON (internal/registry).
// It wraps fxamacker/cbor, the same wire codec the client SDK uses to talk
// to the server.
var (
	CBOR   Marshaler   = cborCodec{}
	CBORIn Unmarshaler = cborCodec{}
)

// decMode decodes CBOR maps held in an `any` as map[string]any, the same
// shape documents and notification results have before encoding.
var decMode, _ = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (cborCodec) NewEncoder(w io.Writer) Encoder { return cbor.NewEncoder(w) }

func (cborCodec) Unmarshal(data []byte, dst any) error { return decMode.Unmarshal(data, dst) }

func (cborCodec) NewDecoder(r io.Reader) Decoder { return decMode.NewDecoder(r) }

// Unmarshal is a convenience wrapper so callers that only decode don't
// need to hold a codec.Unmarshaler value.
func Unmarshal(data []byte, dst any) error { return decMode.Unmarshal(data, dst) }
