package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// ArgsValidator checks an event payload against its expected shape.
type ArgsValidator func(args json.RawMessage) error

// Registry maps event names to payload validators. Event payloads are
// arbitrary JSON keyed by event name; the registry is the per-name
// schema check applied at decode time. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]ArgsValidator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]ArgsValidator),
	}
}

// Register adds a validator for an event name. A nil validator registers
// the name without payload checking (any args accepted).
func (r *Registry) Register(name string, v ArgsValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[name] = v
}

// Validate checks an event's args against the registered validator.
// Returns ErrUnknownEvent for unregistered names.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	v, ok := r.validators[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if v == nil {
		return nil
	}
	if err := v(args); err != nil {
		return fmt.Errorf("validate %q args: %w", name, err)
	}
	return nil
}

// Names returns all registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	return names
}

// ArgsAs returns a validator that requires args to unmarshal into T,
// rejecting unknown fields.
func ArgsAs[T any]() ArgsValidator {
	return func(args json.RawMessage) error {
		if len(args) == 0 {
			return fmt.Errorf("missing args")
		}
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.DisallowUnknownFields()
		var v T
		if err := dec.Decode(&v); err != nil {
			return err
		}
		return nil
	}
}

// NoArgs returns a validator that requires an absent or null payload.
func NoArgs() ArgsValidator {
	return func(args json.RawMessage) error {
		if len(args) == 0 || bytes.Equal(args, []byte("null")) {
			return nil
		}
		return fmt.Errorf("unexpected args")
	}
}
