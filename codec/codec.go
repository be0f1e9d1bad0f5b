// Package codec serializes user values for the wire. Two formats are
// supported for arbitrary values: plain JSON and "struct", a language-neutral
// encoding over protobuf Struct/Value. Raw passes bytes through untouched.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"runner/model"
)

// SerializationError replaces a value that could not be encoded. It carries
// the repr of the original value so the caller still gets something useful.
type SerializationError struct {
	Msg string `json:"serialization_error"`
}

func (e *SerializationError) Error() string { return e.Msg }

// Serialize encodes v using the given format.
func Serialize(v any, format model.DataFormat) ([]byte, error) {
	switch format {
	case model.FormatJSON, model.FormatUnspecified, model.FormatGeneratorDone:
		return json.Marshal(v)
	case model.FormatStruct:
		pv, err := structpb.NewValue(normalize(v))
		if err != nil {
			return nil, fmt.Errorf("encoding value as struct: %w", err)
		}
		return protojson.Marshal(pv)
	case model.FormatRaw:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("raw format requires []byte, got %T", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown data format %q", format)
	}
}

// Deserialize decodes data in the given format into a generic value.
func Deserialize(data []byte, format model.DataFormat) (any, error) {
	switch format {
	case model.FormatJSON, model.FormatUnspecified, model.FormatGeneratorDone:
		if len(data) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case model.FormatStruct:
		pv := &structpb.Value{}
		if err := protojson.Unmarshal(data, pv); err != nil {
			return nil, err
		}
		return pv.AsInterface(), nil
	case model.FormatRaw:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown data format %q", format)
	}
}

// normalize converts values structpb.NewValue cannot take directly.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, float64, string:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		// Round-trip through JSON as a last resort so struct-typed user
		// values still encode.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return generic
	}
}
