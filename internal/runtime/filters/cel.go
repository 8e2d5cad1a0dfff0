// Package filters builds listener filters from expressions.
package filters

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/drblury/replyflow/internal/runtime"
	"github.com/drblury/replyflow/internal/runtime/codec"
	"github.com/drblury/replyflow/internal/runtime/jsoncodec"
)

// CEL compiles expr into a filter. The expression sees:
//
//	partition, offset  int
//	key, topic         string
//	value              string and []byte values as CEL string and bytes,
//	                   other values in their JSON form, or null when absent
//	headers            map<string, string>
//
// It must evaluate to a bool. Envelopes whose evaluation fails are rejected.
// An empty expression accepts everything.
func CEL[K, V any](expr string) (runtime.Filter[K, V], error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(runtime.Envelope[K, V]) bool { return true }, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("partition", cel.IntType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("key", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("value", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q must return bool, got %s", expr, out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	return func(e runtime.Envelope[K, V]) bool {
		out, _, err := prog.Eval(activation(e))
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

func activation[K, V any](e runtime.Envelope[K, V]) map[string]any {
	var value any
	if e.Value != nil {
		value = celValue(*e.Value)
	}

	headers := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		headers[k] = v
	}

	return map[string]any{
		"partition": int64(e.Position.Partition),
		"offset":    e.Position.Offset,
		"key":       fmt.Sprint(e.Key),
		"topic":     e.Position.Topic,
		"value":     value,
		"headers":   headers,
	}
}

func celValue(v any) any {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return v
	}
	payload, err := codec.EncodeResult(v)
	if err != nil {
		return nil
	}
	generic, err := jsoncodec.Generic(payload)
	if err != nil {
		return string(payload)
	}
	return generic
}
