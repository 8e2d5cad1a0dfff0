// Package codec turns stream payloads into typed values and operation
// results into the bytes written to a response address.
package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/replyflow/internal/runtime/jsoncodec"
)

// Decoder parses a raw payload into V.
type Decoder[V any] func(payload []byte) (V, error)

// JSON decodes payloads with sonic's std-compatible config.
func JSON[V any]() Decoder[V] {
	return func(payload []byte) (V, error) {
		var v V
		if err := jsoncodec.Unmarshal(payload, &v); err != nil {
			return v, fmt.Errorf("decode %T: %w", v, err)
		}
		return v, nil
	}
}

// Proto decodes protojson payloads into a fresh M for every message.
func Proto[M proto.Message]() Decoder[M] {
	return func(payload []byte) (M, error) {
		msg, err := newProto[M]()
		if err != nil {
			return msg, err
		}
		if err := protojson.Unmarshal(payload, msg); err != nil {
			return msg, fmt.Errorf("decode %T: %w", msg, err)
		}
		return msg, nil
	}
}

// Bytes hands the payload through untouched.
func Bytes() Decoder[[]byte] {
	return func(payload []byte) ([]byte, error) {
		return payload, nil
	}
}

// String hands the payload through as text.
func String() Decoder[string] {
	return func(payload []byte) (string, error) {
		return string(payload), nil
	}
}

func newProto[M proto.Message]() (M, error) {
	var zero M
	typ := reflect.TypeFor[M]()
	if typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("replyflow: proto decoder needs a pointer message type, got %s", typ)
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(M)
	if !ok {
		return zero, fmt.Errorf("replyflow: unexpected proto type %s", typ)
	}
	return msg, nil
}

// EncodeResult renders an operation result for storage. Byte slices and
// strings are written as-is, protobuf messages as protojson and everything
// else as JSON.
func EncodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		return protojson.Marshal(v)
	default:
		return jsoncodec.Marshal(v)
	}
}
