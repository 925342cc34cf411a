// Package payload encodes job handler payloads as kind-tagged JSON.
//
// A stored handler looks like {"kind":"resize_image","args":{...}}. Kinds
// are registered with a factory returning a fresh pointer that args are
// unmarshalled into.
package payload

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownKind    = errors.New("unknown payload kind")
	ErrUnregistered   = errors.New("payload type not registered")
	ErrDuplicateKind  = errors.New("payload kind already registered")
	ErrMalformedEntry = errors.New("malformed payload envelope")
)

// Factory returns a new zero payload of one kind.
type Factory func() any

type envelope struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Registry maps kinds to payload types. It implements scheduler.Codec.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	kinds     map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		kinds:     make(map[reflect.Type]string),
	}
}

// Register binds kind to the type factory produces.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return errors.New("payload: kind and factory are required")
	}
	sample := factory()
	if sample == nil {
		return errors.Newf("payload: factory for %q returned nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return errors.Wrapf(ErrDuplicateKind, "%q", kind)
	}
	r.factories[kind] = factory
	r.kinds[reflect.TypeOf(sample)] = kind
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KindOf returns the kind payload was registered under.
func (r *Registry) KindOf(p any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[reflect.TypeOf(p)]
	return kind, ok
}

// Encode wraps p in its kind envelope.
func (r *Registry) Encode(p any) ([]byte, error) {
	kind, ok := r.KindOf(p)
	if !ok {
		return nil, errors.Wrapf(ErrUnregistered, "%T", p)
	}
	args, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s args", kind)
	}
	return json.Marshal(envelope{Kind: kind, Args: args})
}

// EncodeRaw builds an envelope from already-serialized args, validating
// that they decode into the kind's type.
func (r *Registry) EncodeRaw(kind string, args json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(envelope{Kind: kind, Args: args})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	if _, err := r.Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode returns a fresh payload for the envelope in data.
func (r *Registry) Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode envelope"), ErrMalformedEntry)
	}
	if env.Kind == "" {
		return nil, errors.Wrap(ErrMalformedEntry, "missing kind")
	}
	r.mu.RLock()
	factory, ok := r.factories[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%q", env.Kind)
	}
	p := factory()
	if len(env.Args) > 0 && string(env.Args) != "null" {
		if err := json.Unmarshal(env.Args, p); err != nil {
			return nil, errors.Wrapf(err, "decode %s args", env.Kind)
		}
	}
	return p, nil
}

// Kind reads the kind from an encoded envelope without decoding args.
func Kind(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decode envelope"), ErrMalformedEntry)
	}
	return env.Kind, nil
}
