package devsvc

import "github.com/google/uuid"

// Registry is an immutable snapshot of one discovery pass, ordered by enumeration.
type Registry struct {
	keys    []string
	devices map[string]*Device
}

func newRegistry(devices []*Device) *Registry {
	r := &Registry{
		keys:    make([]string, 0, len(devices)),
		devices: make(map[string]*Device, len(devices)),
	}
	for _, dev := range devices {
		key := dev.Key()
		if _, ok := r.devices[key]; ok {
			continue
		}
		r.keys = append(r.keys, key)
		r.devices[key] = dev
	}
	return r
}

var emptyRegistry = newRegistry(nil)

func (r *Registry) Len() int {
	return len(r.keys)
}

// Keys returns device keys in enumeration order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r *Registry) Get(key string) (*Device, bool) {
	dev, ok := r.devices[key]
	return dev, ok
}

func (r *Registry) All() []*Device {
	devices := make([]*Device, len(r.keys))
	for i, key := range r.keys {
		devices[i] = r.devices[key]
	}
	return devices
}

// Find returns the first device matching either selector. With both selectors
// nil it returns nil.
func (r *Registry) Find(path *string, id *uuid.UUID) *Device {
	if path == nil && id == nil {
		return nil
	}
	for _, key := range r.keys {
		dev := r.devices[key]
		if path != nil && dev.matchesPath(*path) {
			return dev
		}
		if id != nil && *id != uuid.Nil && dev.UUID == *id {
			return dev
		}
	}
	return nil
}

// Diff lists the keys that appeared in next and those that vanished from prev.
func Diff(prev, next *Registry) (connected, disconnected []string) {
	for _, key := range next.keys {
		if _, ok := prev.devices[key]; !ok {
			connected = append(connected, key)
		}
	}
	for _, key := range prev.keys {
		if _, ok := next.devices[key]; !ok {
			disconnected = append(disconnected, key)
		}
	}
	return connected, disconnected
}
