package dataset

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownFeeder is returned for feeder names that were never registered
var ErrUnknownFeeder = errors.New("unknown feeder")

// Factory builds a dataset from feeder arguments
type Factory func(cfg FeederConfig) (Dataset, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	list := map[string]Factory{
		"feeder": func(cfg FeederConfig) (Dataset, error) {
			f, err := NewFeeder(cfg)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
	}
	for name, f := range list {
		if err := Register(name, f); err != nil {
			panic(err.Error())
		}
	}
}

// Register adds a feeder under name. Names are unique.
func Register(name string, f Factory) error {
	if f == nil {
		return errors.Errorf("feeder %q has a nil factory", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return errors.Errorf("feeder %q already registered", name)
	}
	registry[name] = f
	return nil
}

// Lookup resolves a feeder name without building it, so configs fail early.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFeeder, "%q (known: %v)", name, namesLocked())
	}
	return f, nil
}

// New builds the named feeder
func New(name string, cfg FeederConfig) (Dataset, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
