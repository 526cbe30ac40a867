package model

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/skeleton"
)

// ErrUnknownModel is returned for model names that were never registered
var ErrUnknownModel = errors.New("unknown model")

// Args are the model arguments of an experiment config
type Args map[string]interface{}

// Factory builds a model from its arguments
type Factory func(args Args, seed skeleton.SeedContext) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a model under name
func Register(name string, f Factory) error {
	if f == nil {
		return errors.Errorf("model %q has a nil factory", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return errors.Errorf("model %q already registered", name)
	}
	registry[name] = f
	return nil
}

// MustRegister is Register for init functions
func MustRegister(name string, f Factory) {
	if err := Register(name, f); err != nil {
		panic(err.Error())
	}
}

// Lookup resolves a model name without building it
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Wrapf(ErrUnknownModel, "%q (known: %v)", name, names)
	}
	return f, nil
}

// New builds the named model
func New(name string, args Args, seed skeleton.SeedContext) (Model, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	m, err := f(args, seed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build model %q", name)
	}
	return m, nil
}

// Int reads an integer argument; YAML may decode numbers as int or float64.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float reads a floating point argument
func (a Args) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// Bool reads a boolean argument
func (a Args) Bool(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}
