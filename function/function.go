// Package function describes loaded user callables. Loading and method
// binding happen elsewhere; the io manager only needs the finalized shape.
package function

import "context"

// Shape is the call shape of a user function. The set is closed, so a tag is
// used instead of polymorphism; the executor branches on it at dispatch time.
type Shape int

const (
	ShapeFunction Shape = iota
	ShapeGenerator
	// ShapeWebEndpoint behaves like a generator whose items are protocol
	// messages: status/headers first, then body chunks.
	ShapeWebEndpoint
)

func (s Shape) String() string {
	switch s {
	case ShapeFunction:
		return "function"
	case ShapeGenerator:
		return "generator"
	case ShapeWebEndpoint:
		return "web_endpoint"
	default:
		return "unknown"
	}
}

// IsStreaming reports whether outputs go to the data_out stream rather than
// a single result.
func (s Shape) IsStreaming() bool {
	return s == ShapeGenerator || s == ShapeWebEndpoint
}

// Finalized is a user callable bound to its shape flags.
type Finalized struct {
	Name    string
	Shape   Shape
	Batched bool

	// ParamNames lists the declared parameters, in order. Required for
	// batched functions, where arguments are re-keyed into parallel lists.
	ParamNames []string

	// Call runs a non-streaming function. For batched functions kwargs maps
	// each parameter name to a list of per-input values and the return value
	// must be a list of the same length.
	Call func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

	// Stream runs a generator or web endpoint, emitting each item. emit
	// returns an error once the downstream sink is gone.
	Stream func(ctx context.Context, args []any, kwargs map[string]any, emit func(any) error) error
}

// Loader resolves method names to finalized functions. Implemented by the
// user-code loading layer.
type Loader interface {
	Load(ctx context.Context) (map[string]Finalized, error)
}
