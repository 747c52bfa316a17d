package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrUnregistered is returned when encoding a value whose type was never
// registered with the codec.
var ErrUnregistered = errors.New("type not registered")

// envelope is the stored form of a value: a type tag plus the JSON body.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Raw is what Decode yields for a tag the codec does not know, typically
// state written by a build with a different schema. Data is the untouched
// JSON body.
type Raw struct {
	Type string
	Data json.RawMessage
}

// Codec serializes values with a type tag so they decode back into their
// concrete Go type. Enumerations survive because they are named types with
// their own text (un)marshalling.
type Codec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates name with the type of prototype. Pointer and value
// prototypes register the same underlying type. Registering the same name
// for a different type panics.
func (c *Codec) Register(name string, prototype interface{}) {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byName[name]; ok && existing != t {
		panic(fmt.Sprintf("checkpoint: type name %q already registered for %v", name, existing))
	}
	c.byName[name] = t
	c.byType[t] = name
}

// Encode wraps v in a type-tagged envelope.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("encoding nil value: %w", ErrUnregistered)
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	c.mu.RLock()
	name, ok := c.byType[t]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("encoding %v: %w", t, ErrUnregistered)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	return json.Marshal(envelope{Type: name, Data: data})
}

// Decode reverses Encode. Registered types come back as a pointer to a
// fresh value of that type; unknown tags come back as Raw.
func (c *Codec) Decode(b []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	c.mu.RLock()
	t, ok := c.byName[env.Type]
	c.mu.RUnlock()
	if !ok {
		return Raw{Type: env.Type, Data: env.Data}, nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return ptr.Interface(), nil
}

// DecodeInto decodes b into dst, which must point to the registered type
// recorded in the envelope.
func (c *Codec) DecodeInto(b []byte, dst interface{}) error {
	v, err := c.Decode(b)
	if err != nil {
		return err
	}
	if raw, ok := v.(Raw); ok {
		return fmt.Errorf("decoding %q into %T: %w", raw.Type, dst, ErrUnregistered)
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", dst)
	}
	sv := reflect.ValueOf(v).Elem()
	if sv.Type() != dv.Elem().Type() {
		return fmt.Errorf("stored %v cannot decode into %T", sv.Type(), dst)
	}
	dv.Elem().Set(sv)
	return nil
}
