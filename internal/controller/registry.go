package controller

import (
	"sync"

	"pkt.systems/domainctl/internal/mgmt"
)

// HandlerFunc applies op to model, which is the staged copy of the whole
// tree. The returned value becomes the result value.
type HandlerFunc func(model *Resource, op mgmt.Operation) (any, error)

type entry struct {
	handler  HandlerFunc
	readOnly bool
	// keys limits the handler to addresses ending in one of these element
	// keys; empty means any address.
	keys map[string]bool
}

// Registry maps operation names to handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler for name. keys restricts the last address element
// key the handler accepts; "" stands for the root address.
func (r *Registry) Register(name string, handler HandlerFunc, readOnly bool, keys ...string) {
	e := entry{handler: handler, readOnly: readOnly}
	if len(keys) > 0 {
		e.keys = make(map[string]bool, len(keys))
		for _, k := range keys {
			e.keys[k] = true
		}
	}
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()
}

func (r *Registry) lookup(addr mgmt.Address, name string) (entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if e.keys != nil {
		last := ""
		if el, ok := addr.Last(); ok {
			last = el.Key
		}
		if !e.keys[last] {
			return entry{}, false
		}
	}
	return e, true
}

// Lookup returns the handler registered for name at addr.
func (r *Registry) Lookup(addr mgmt.Address, name string) (HandlerFunc, bool) {
	if name == mgmt.OpComposite {
		return nil, true
	}
	e, ok := r.lookup(addr, name)
	return e.handler, ok
}

// IsReadOnly reports whether name at addr is registered as read-only.
func (r *Registry) IsReadOnly(addr mgmt.Address, name string) bool {
	e, ok := r.lookup(addr, name)
	return ok && e.readOnly
}

// IsReadOnlyOperation reports whether op, including every composite step,
// only reads.
func (r *Registry) IsReadOnlyOperation(op mgmt.Operation) bool {
	if op.IsComposite() {
		for _, step := range op.Steps {
			if !r.IsReadOnlyOperation(step) {
				return false
			}
		}
		return true
	}
	return r.IsReadOnly(op.Address, op.Name)
}

// Validate returns a routing error for the first step without a handler.
func (r *Registry) Validate(op mgmt.Operation) error {
	if op.IsComposite() {
		for _, step := range op.Steps {
			if err := r.Validate(step); err != nil {
				return err
			}
		}
		return nil
	}
	if _, ok := r.Lookup(op.Address, op.Name); !ok {
		return mgmt.NewRoutingError(mgmt.CodeNoHandler, "no handler for operation %s at address %s", op.Name, op.Address)
	}
	return nil
}

// DefaultRegistry returns a registry with the standard operation set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(mgmt.OpAdd, addHandler, false)
	r.Register(mgmt.OpRemove, removeHandler, false)
	r.Register(mgmt.OpWriteAttribute, writeAttributeHandler, false)
	r.Register(mgmt.OpUndefineAttribute, undefineAttributeHandler, false)
	r.Register(mgmt.OpReadResource, readResourceHandler, true)
	r.Register(mgmt.OpReadAttribute, readAttributeHandler, true)
	r.Register(mgmt.OpReadChildrenNames, readChildrenNamesHandler, true)
	r.Register(mgmt.OpDeploy, enableHandler(true), false, mgmt.KeyDeployment)
	r.Register(mgmt.OpUndeploy, enableHandler(false), false, mgmt.KeyDeployment)
	r.Register(mgmt.OpRedeploy, redeployHandler, false, mgmt.KeyDeployment)
	r.Register(mgmt.OpFullReplaceDeployment, fullReplaceHandler, false, "")
	r.Register(mgmt.OpReplaceDeployment, replaceDeploymentHandler, false, "", mgmt.KeyServerGroup)
	r.Register(mgmt.OpRequireRestart, requireStateHandler(StateRestartRequired), false, "")
	r.Register(mgmt.OpRequireReload, requireStateHandler(StateReloadRequired), false, "")
	return r
}
