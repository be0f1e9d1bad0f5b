package codec

import (
	"encoding/json"
	"fmt"

	"runner/model"
)

// argsEnvelope is the wire shape of an argument payload.
type argsEnvelope struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// EncodeArgs packs positional and keyword arguments into a payload.
func EncodeArgs(args []any, kwargs map[string]any) ([]byte, error) {
	return json.Marshal(argsEnvelope{Args: args, Kwargs: kwargs})
}

// DecodeArgs unpacks an argument payload. Empty payloads mean "no
// arguments", matching a call with an empty argument list.
func DecodeArgs(data []byte, format model.DataFormat) ([]any, map[string]any, error) {
	if len(data) == 0 {
		return nil, map[string]any{}, nil
	}

	switch format {
	case model.FormatJSON, model.FormatUnspecified:
		var env argsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, fmt.Errorf("decoding arguments: %w", err)
		}
		if env.Kwargs == nil {
			env.Kwargs = map[string]any{}
		}
		return env.Args, env.Kwargs, nil
	default:
		return nil, nil, fmt.Errorf("unsupported argument format %q", format)
	}
}
