package funcs

import (
	"context"
	"time"
)

// RegisterBuiltins adds the built-in functions to the registry. They cover
// smoke tests and pipeline plumbing; real deployments register their own.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Func{
		"echo":     Echo,
		"identity": Identity,
		"sleep":    Sleep,
	}
	for id, fn := range builtins {
		if err := r.Register(id, fn); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns {"echoed": <message>} where message is the "message" field of
// a map input, or the whole input otherwise.
func Echo(_ context.Context, input any, _ map[string]any) (any, error) {
	msg := input
	if m, ok := input.(map[string]any); ok {
		if v, found := m["message"]; found {
			msg = v
		}
	}
	return map[string]any{"echoed": msg}, nil
}

// Identity returns its input unchanged.
func Identity(_ context.Context, input any, _ map[string]any) (any, error) {
	return input, nil
}

// Sleep waits for "delay_ms" milliseconds (from the function context, falling
// back to the input when it is a map) and then returns the input. Honors
// cancellation.
func Sleep(ctx context.Context, input any, fnCtx map[string]any) (any, error) {
	delay := delayMS(fnCtx)
	if delay == 0 {
		if m, ok := input.(map[string]any); ok {
			delay = delayMS(m)
		}
	}
	if delay > 0 {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return input, nil
}

func delayMS(m map[string]any) int64 {
	switch v := m["delay_ms"].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
