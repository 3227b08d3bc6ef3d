// Package resolver derives the server-level operations a host must push to
// its managed servers for a domain or host operation.
package resolver

import (
	"sort"
	"strings"

	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
)

// Attribute names read from the model.
const (
	attrGroup       = mgmt.ParamGroup
	attrAutoStart   = mgmt.ParamAutoStart
	attrProfile     = mgmt.ParamProfile
	attrSocketGroup = mgmt.ParamSocketGroup
	attrIncludes    = "includes"
)

// ReadOnlyChecker reports whether an operation only reads.
type ReadOnlyChecker interface {
	IsReadOnlyOperation(op mgmt.Operation) bool
}

// Resolver maps operations onto managed servers.
type Resolver struct {
	registry ReadOnlyChecker
}

// New returns a Resolver that treats registry's read-only operations as
// having no server effect.
func New(registry ReadOnlyChecker) *Resolver {
	return &Resolver{registry: registry}
}

// server is one running managed server of the host.
type server struct {
	id     mgmt.ParticipantID
	config *controller.Resource
}

type scope struct {
	model  *controller.Resource
	host   *controller.Resource
	hostID string
	// servers in name order
	servers []server
}

// Resolve returns the server operations host must push after applying op.
// model is the staged model holding domain-level resources and the host
// subtree under host=<host>. A failed prior result resolves to nothing.
func (r *Resolver) Resolve(op mgmt.Operation, model *controller.Resource, host string, prior mgmt.Result) []mgmt.ServerOperationGroup {
	if prior.IsFailed() || op.DontPropagate() {
		return nil
	}
	if r.registry != nil && r.registry.IsReadOnlyOperation(op) {
		return nil
	}
	sc := newScope(model, host)
	if len(sc.servers) == 0 {
		return nil
	}
	perServer := make(map[mgmt.ParticipantID][]mgmt.Operation)
	r.collect(op, sc, perServer)
	return group(perServer)
}

// RunningServers lists the managed servers of host that take part in
// rollouts.
func RunningServers(model *controller.Resource, host string) []mgmt.ParticipantID {
	sc := newScope(model, host)
	out := make([]mgmt.ParticipantID, len(sc.servers))
	for i, s := range sc.servers {
		out[i] = s.id
	}
	return out
}

func newScope(model *controller.Resource, host string) scope {
	sc := scope{model: model, hostID: host}
	hostRes, ok := model.Child(mgmt.KeyHost, host)
	if !ok {
		return sc
	}
	sc.host = hostRes
	for _, name := range hostRes.ChildNames(mgmt.KeyServerConfig) {
		cfg, _ := hostRes.Child(mgmt.KeyServerConfig, name)
		if v, ok := cfg.Attr(attrAutoStart); ok && strings.EqualFold(v, "false") {
			continue
		}
		groupName, _ := cfg.Attr(attrGroup)
		sc.servers = append(sc.servers, server{id: mgmt.ServerID(host, groupName, name), config: cfg})
	}
	return sc
}

func (r *Resolver) collect(op mgmt.Operation, sc scope, perServer map[mgmt.ParticipantID][]mgmt.Operation) {
	if op.IsComposite() {
		for _, step := range op.Steps {
			r.collect(step, sc, perServer)
		}
		return
	}
	if r.registry != nil && r.registry.IsReadOnlyOperation(op) {
		return
	}
	for _, d := range derive(op, sc) {
		for _, id := range d.servers {
			perServer[id] = append(perServer[id], d.op)
		}
	}
}

type derived struct {
	servers []mgmt.ParticipantID
	op      mgmt.Operation
}

// level is where in the model a system property change was made.
type level int

const (
	levelDomain level = iota
	levelGroup
	levelHost
	levelServer
)

func derive(op mgmt.Operation, sc scope) []derived {
	first, ok := op.Address.First()
	if !ok {
		if op.Name == mgmt.OpFullReplaceDeployment {
			return deriveFullReplace(op, sc)
		}
		return nil
	}
	switch first.Key {
	case mgmt.KeyHost:
		return deriveHost(op, sc, first.Value)
	case mgmt.KeyExtension:
		return []derived{{servers: sc.filter(nil), op: withAddress(op, op.Address)}}
	case mgmt.KeySystemProperty:
		if len(op.Address) != 1 {
			return nil
		}
		return sc.systemProperty(op, first.Value, levelDomain, func(s server) bool {
			return !sc.overridden(s, first.Key, first.Value, true, true)
		})
	case mgmt.KeyPath, mgmt.KeyInterface:
		if len(op.Address) != 1 {
			return nil
		}
		servers := sc.filter(func(s server) bool {
			return !sc.overridden(s, first.Key, first.Value, true, true)
		})
		return []derived{{servers: servers, op: withAddress(op, op.Address)}}
	case mgmt.KeyProfile:
		if len(op.Address) == 1 {
			return nil
		}
		profiles := sc.profilesUsing(first.Value)
		servers := sc.filter(func(s server) bool {
			p, _ := sc.group(s).Attr(attrProfile)
			return profiles[p]
		})
		return []derived{{servers: servers, op: withAddress(op, op.Address.Sub(1))}}
	case mgmt.KeySocketBindingGroup:
		if len(op.Address) == 1 {
			return nil
		}
		servers := sc.filter(func(s server) bool {
			return sc.socketGroup(s) == first.Value
		})
		return []derived{{servers: servers, op: withAddress(op, op.Address)}}
	case mgmt.KeyServerGroup:
		return deriveServerGroup(op, sc, first.Value)
	default:
		return nil
	}
}

func deriveServerGroup(op mgmt.Operation, sc scope, groupName string) []derived {
	inGroup := func(s server) bool { return s.id.Group == groupName }
	if len(op.Address) == 1 {
		switch op.Name {
		case mgmt.OpReplaceDeployment:
			out := withAddress(op, mgmt.Root)
			enrichDeployment(&out, sc.model, op.Param(mgmt.ParamName))
			return []derived{{servers: sc.filter(inGroup), op: out}}
		case mgmt.OpWriteAttribute:
			switch op.Param(mgmt.ParamName) {
			case attrProfile:
				return serverState(mgmt.OpRequireReload, sc.filter(inGroup))
			case attrSocketGroup:
				// Servers naming their own socket binding group keep it.
				return serverState(mgmt.OpRequireReload, sc.filter(func(s server) bool {
					own, _ := s.config.Attr(attrSocketGroup)
					return inGroup(s) && own == ""
				}))
			}
		}
		return nil
	}
	child := op.Address[1]
	switch child.Key {
	case mgmt.KeyDeployment:
		if len(op.Address) != 2 {
			return nil
		}
		out := withAddress(op, op.Address.Sub(1))
		if op.Name == mgmt.OpAdd {
			enrichDeployment(&out, sc.model, child.Value)
		}
		return []derived{{servers: sc.filter(inGroup), op: out}}
	case mgmt.KeySystemProperty:
		if len(op.Address) != 2 {
			return nil
		}
		return sc.systemProperty(op, child.Value, levelGroup, func(s server) bool {
			return inGroup(s) && !sc.overridden(s, child.Key, child.Value, false, true)
		})
	case mgmt.KeyJVM:
		return serverState(mgmt.OpRequireRestart, sc.filter(inGroup))
	default:
		return nil
	}
}

func deriveHost(op mgmt.Operation, sc scope, host string) []derived {
	if host != sc.hostID || len(op.Address) < 2 {
		return nil
	}
	rest := op.Address.Sub(1)
	first, _ := rest.First()
	switch first.Key {
	case mgmt.KeySystemProperty:
		if len(rest) != 1 {
			return nil
		}
		return sc.systemProperty(op, first.Value, levelHost, func(s server) bool {
			_, own := s.config.Child(first.Key, first.Value)
			return !own
		})
	case mgmt.KeyPath, mgmt.KeyInterface:
		if len(rest) != 1 {
			return nil
		}
		servers := sc.filter(func(s server) bool {
			_, overridden := s.config.Child(first.Key, first.Value)
			return !overridden
		})
		return []derived{{servers: servers, op: withAddress(op, rest)}}
	case mgmt.KeyJVM:
		// Only servers referencing the host jvm by name are affected.
		return serverState(mgmt.OpRequireRestart, sc.filter(func(s server) bool {
			_, ok := s.config.Child(mgmt.KeyJVM, first.Value)
			return ok
		}))
	case mgmt.KeyServerConfig:
		return deriveServerConfig(op, sc, first.Value, rest)
	default:
		return nil
	}
}

// deriveServerConfig handles operations under host=<h>/server-config=<name>;
// rest starts at the server-config element.
func deriveServerConfig(op mgmt.Operation, sc scope, name string, rest mgmt.Address) []derived {
	only := func(s server) bool { return s.id.Server == name }
	if len(rest) == 1 {
		if op.Name != mgmt.OpWriteAttribute {
			return nil
		}
		switch op.Param(mgmt.ParamName) {
		case attrSocketGroup, mgmt.ParamPortOffset:
			return serverState(mgmt.OpRequireReload, sc.filter(only))
		}
		return nil
	}
	if len(rest) != 2 {
		return nil
	}
	child := rest[1]
	switch child.Key {
	case mgmt.KeyPath, mgmt.KeyInterface:
		return []derived{{servers: sc.filter(only), op: withAddress(op, rest.Sub(1))}}
	case mgmt.KeySystemProperty:
		return sc.systemProperty(op, child.Value, levelServer, only)
	case mgmt.KeyJVM:
		return serverState(mgmt.OpRequireRestart, sc.filter(only))
	default:
		return nil
	}
}

func serverState(name string, servers []mgmt.ParticipantID) []derived {
	if len(servers) == 0 {
		return nil
	}
	return []derived{{servers: servers, op: mgmt.NewOperation(name, mgmt.Root)}}
}

// isSystemPropertyChange reports whether op changes what a server sees for a
// system property.
func isSystemPropertyChange(op mgmt.Operation) bool {
	switch op.Name {
	case mgmt.OpAdd, mgmt.OpRemove:
		return true
	case mgmt.OpWriteAttribute, mgmt.OpUndefineAttribute:
		return op.Param(mgmt.ParamName) == mgmt.ParamValue
	}
	return false
}

// systemProperty derives the server operations for a change to property name
// made at lvl, for the servers keep selects.
func (sc scope) systemProperty(op mgmt.Operation, name string, lvl level, keep func(server) bool) []derived {
	if !isSystemPropertyChange(op) {
		return nil
	}
	var out []derived
	index := make(map[string]int)
	for _, s := range sc.servers {
		if !keep(s) {
			continue
		}
		serverOp := sc.systemPropertyOp(op, name, s, lvl)
		key := serverOp.Key()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, derived{op: serverOp})
		}
		out[i].servers = append(out[i].servers, s.id)
	}
	return out
}

// systemPropertyOp returns the operation server s runs. An add or remove at
// lvl becomes a value change when a less specific level also defines the
// property: the server already has it, and a remove exposes the inherited
// value again.
func (sc scope) systemPropertyOp(op mgmt.Operation, name string, s server, lvl level) mgmt.Operation {
	addr := mgmt.NewAddress(mgmt.KeySystemProperty, name)
	if op.Name != mgmt.OpAdd && op.Name != mgmt.OpRemove {
		return withAddress(op, addr)
	}
	inherited, ok := sc.inheritedProperty(s, name, lvl)
	if !ok {
		return withAddress(op, addr)
	}
	value, defined := inherited.Attr(mgmt.ParamValue)
	if op.Name == mgmt.OpAdd {
		value, defined = op.Params[mgmt.ParamValue]
	}
	if !defined {
		return mgmt.NewOperation(mgmt.OpUndefineAttribute, addr, mgmt.ParamName, mgmt.ParamValue)
	}
	return mgmt.NewOperation(mgmt.OpWriteAttribute, addr, mgmt.ParamName, mgmt.ParamValue, mgmt.ParamValue, value)
}

// inheritedProperty finds property name at the levels less specific than lvl,
// most specific first.
func (sc scope) inheritedProperty(s server, name string, lvl level) (*controller.Resource, bool) {
	var levels []*controller.Resource
	switch lvl {
	case levelServer:
		levels = []*controller.Resource{sc.host, sc.group(s), sc.model}
	case levelHost:
		levels = []*controller.Resource{sc.group(s), sc.model}
	case levelGroup:
		levels = []*controller.Resource{sc.model}
	}
	for _, r := range levels {
		if prop, ok := r.Child(mgmt.KeySystemProperty, name); ok {
			return prop, true
		}
	}
	return nil, false
}

func deriveFullReplace(op mgmt.Operation, sc scope) []derived {
	name := op.Param(mgmt.ParamName)
	if name == "" {
		return nil
	}
	servers := sc.filter(func(s server) bool {
		_, ok := sc.group(s).Child(mgmt.KeyDeployment, name)
		return ok
	})
	return []derived{{servers: servers, op: withAddress(op, mgmt.Root)}}
}

func enrichDeployment(op *mgmt.Operation, model *controller.Resource, name string) {
	dep, ok := model.Child(mgmt.KeyDeployment, name)
	if !ok {
		return
	}
	if op.Param(mgmt.ParamRuntimeName) == "" {
		runtimeName, ok := dep.Attr(controller.AttrRuntimeName)
		if !ok {
			runtimeName = name
		}
		op.SetParam(mgmt.ParamRuntimeName, runtimeName)
	}
	if hash, ok := dep.Attr(controller.AttrHash); ok && len(op.Content) == 0 {
		op.Content = []mgmt.ContentItem{{Hash: hash}}
	}
}

func withAddress(op mgmt.Operation, addr mgmt.Address) mgmt.Operation {
	out := op.Clone()
	out.Address = addr
	out.Headers = nil
	out.Attachments = nil
	return out
}

func (sc scope) filter(keep func(server) bool) []mgmt.ParticipantID {
	var out []mgmt.ParticipantID
	for _, s := range sc.servers {
		if keep == nil || keep(s) {
			out = append(out, s.id)
		}
	}
	return out
}

func (sc scope) group(s server) *controller.Resource {
	g, _ := sc.model.Child(mgmt.KeyServerGroup, s.id.Group)
	return g
}

func (sc scope) socketGroup(s server) string {
	if v, ok := s.config.Attr(attrSocketGroup); ok && v != "" {
		return v
	}
	v, _ := sc.group(s).Attr(attrSocketGroup)
	return v
}

// overridden reports whether a more specific level defines key=name for s.
func (sc scope) overridden(s server, key, name string, checkGroup, checkHost bool) bool {
	if _, ok := s.config.Child(key, name); ok {
		return true
	}
	if checkHost {
		if _, ok := sc.host.Child(key, name); ok {
			return true
		}
	}
	if checkGroup && key == mgmt.KeySystemProperty {
		if _, ok := sc.group(s).Child(key, name); ok {
			return true
		}
	}
	return false
}

// profilesUsing returns profile and every profile that includes it,
// directly or transitively.
func (sc scope) profilesUsing(profile string) map[string]bool {
	out := map[string]bool{profile: true}
	for changed := true; changed; {
		changed = false
		for _, name := range sc.model.ChildNames(mgmt.KeyProfile) {
			if out[name] {
				continue
			}
			p, _ := sc.model.Child(mgmt.KeyProfile, name)
			includes, _ := p.Attr(attrIncludes)
			for _, inc := range strings.Split(includes, ",") {
				if out[strings.TrimSpace(inc)] {
					out[name] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

// group folds per-server operation lists into groups of servers that run a
// structurally identical operation.
func group(perServer map[mgmt.ParticipantID][]mgmt.Operation) []mgmt.ServerOperationGroup {
	type bucket struct {
		servers []mgmt.ParticipantID
		op      mgmt.Operation
	}
	buckets := make(map[string]*bucket)
	var keys []string
	ids := make([]mgmt.ParticipantID, 0, len(perServer))
	for id := range perServer {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Host != ids[j].Host {
			return ids[i].Host < ids[j].Host
		}
		return ids[i].Server < ids[j].Server
	})
	for _, id := range ids {
		steps := perServer[id]
		op := steps[0]
		if len(steps) > 1 {
			op = mgmt.Composite(steps...)
		}
		key := op.Key()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{op: op}
			buckets[key] = b
			keys = append(keys, key)
		}
		b.servers = append(b.servers, id)
	}
	out := make([]mgmt.ServerOperationGroup, 0, len(keys))
	for _, key := range keys {
		b := buckets[key]
		out = append(out, mgmt.ServerOperationGroup{Servers: b.servers, Operation: b.op})
	}
	return out
}
