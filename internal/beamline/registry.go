// Package beamline assembles the devices of a beamline and owns their
// lifetime.
package beamline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Device is anything a beamline can hold.
type Device interface {
	Name() string
}

// Factory builds one device.
type Factory func() (Device, error)

// ErrDuplicateDevice is returned when a name is registered twice.
var ErrDuplicateDevice = errors.New("device already registered")

// Registry holds the devices that have been created, by name. The zero value
// is ready to use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds d.
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices == nil {
		r.devices = make(map[string]Device)
	}
	if _, ok := r.devices[d.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.Name())
	}
	r.devices[d.Name()] = d
	return nil
}

// Get returns the device called name.
func (r *Registry) Get(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear forgets every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.devices = nil
	r.mu.Unlock()
}

// MakeAll runs every factory and registers what it returns. A failing
// factory does not stop the rest; every failure is returned.
func (r *Registry) MakeAll(factories map[string]Factory) error {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []error
	for _, n := range names {
		d, err := factories[n]()
		if err != nil {
			errs = append(errs, fmt.Errorf("creating %s: %w", n, err))
			continue
		}
		if err := r.Register(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the device called name as a T.
func Lookup[T Device](r *Registry, name string) (T, error) {
	var zero T
	d, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("no device called %s", name)
	}
	t, ok := d.(T)
	if !ok {
		return zero, fmt.Errorf("device %s is a %T", name, d)
	}
	return t, nil
}
