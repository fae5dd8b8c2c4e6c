// Package registry holds the configured vision instances and the latest
// result per image. It replaces process-wide state: main owns one Registry
// and hands it to the components that need it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/remimikalsen/local-image-description-ha/internal/domain"
	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

// ErrNoInstances is returned by Select when nothing is registered.
var ErrNoInstances = errors.New("no vision instances configured")

// deviceNamespace scopes the derived device ids.
var deviceNamespace = uuid.MustParse("8d7f4c1e-2b36-4c59-9a0e-6a1f3f0b7c21")

// Instance is one configured vision endpoint.
type Instance struct {
	// ID is the routing key.
	ID string
	// DeviceID is a stable uuid derived from ID. Callers may select by either.
	DeviceID    string
	Name        string
	Backend     string
	Host        string
	Port        int
	Model       string
	TextModel   string
	TextEnabled bool
	Vision      vision.Backend
}

// DeviceIDFor returns the device id derived from an instance id.
func DeviceIDFor(instanceID string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(instanceID)).String()
}

// Selection is the outcome of routing a call.
type Selection struct {
	Instance *Instance
	// Matched is true when the selector named this instance.
	Matched bool
	// Warning is set when the choice was ambiguous.
	Warning string
}

type Registry struct {
	mu        sync.RWMutex
	instances []*Instance
	byKey     map[string]*Instance
	results   map[string]domain.Result
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		byKey:   make(map[string]*Instance),
		results: make(map[string]domain.Result),
		logger:  logger,
	}
}

// Register appends inst in registration order. DeviceID is derived when
// empty.
func (r *Registry) Register(inst Instance) (*Instance, error) {
	if inst.ID == "" {
		return nil, errors.New("instance id is required")
	}
	if inst.Vision == nil {
		return nil, fmt.Errorf("instance %q has no vision backend", inst.ID)
	}
	if inst.DeviceID == "" {
		inst.DeviceID = DeviceIDFor(inst.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[inst.ID]; exists {
		return nil, fmt.Errorf("instance %q already registered", inst.ID)
	}
	if _, exists := r.byKey[inst.DeviceID]; exists {
		return nil, fmt.Errorf("device %q already registered", inst.DeviceID)
	}

	p := &inst
	r.instances = append(r.instances, p)
	r.byKey[p.ID] = p
	r.byKey[p.DeviceID] = p
	return p, nil
}

// Unregister removes the instance and its cached results.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byKey[id]
	if !ok {
		return false
	}
	delete(r.byKey, inst.ID)
	delete(r.byKey, inst.DeviceID)
	for i, p := range r.instances {
		if p == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			break
		}
	}
	for name, res := range r.results {
		if res.InstanceID == inst.ID {
			delete(r.results, name)
		}
	}
	return true
}

// Get looks an instance up by id or device id.
func (r *Registry) Get(key string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byKey[key]
	return inst, ok
}

// Instances returns the instances in registration order.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Select picks the instance for a call. An exact id or device id match
// wins. Otherwise the sole instance is used, or the first registered one
// with a warning when several exist.
func (r *Registry) Select(selector string) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if selector != "" {
		if inst, ok := r.byKey[selector]; ok {
			return Selection{Instance: inst, Matched: true}, nil
		}
	}

	switch len(r.instances) {
	case 0:
		return Selection{}, ErrNoInstances
	case 1:
		if selector != "" {
			r.logger.Debug("selector matched no instance, using the only one", "selector", selector, "instance_id", r.instances[0].ID)
		}
		return Selection{Instance: r.instances[0]}, nil
	}

	first := r.instances[0]
	var warning string
	if selector == "" {
		warning = fmt.Sprintf("multiple instances configured but no device_id specified; using %q. Specify device_id to target a specific instance", first.ID)
	} else {
		warning = fmt.Sprintf("no instance matches %q; using %q", selector, first.ID)
	}
	r.logger.Warn("ambiguous instance selection", "selector", selector, "instance_id", first.ID, "instances", len(r.instances))
	return Selection{Instance: first, Warning: warning}, nil
}
