package resolver

import (
	"strings"

	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
)

// ServerModel builds the initial model of managed server id from the domain
// model: the subsystems of its group's profile (included profiles first),
// its socket binding group, the domain extensions, the group's deployments
// and the path, interface and system-property elements with server-config
// over host over group over domain precedence. It reports false when the
// host does not configure the server.
func ServerModel(model *controller.Resource, id mgmt.ParticipantID) (*controller.Resource, bool) {
	host, ok := model.Child(mgmt.KeyHost, id.Host)
	if !ok {
		return nil, false
	}
	cfg, ok := host.Child(mgmt.KeyServerConfig, id.Server)
	if !ok {
		return nil, false
	}
	if g, _ := cfg.Attr(attrGroup); g != id.Group {
		return nil, false
	}
	group, ok := model.Child(mgmt.KeyServerGroup, id.Group)
	if !ok {
		return nil, false
	}

	out := controller.NewResource(nil)
	copyChildren(out, model, mgmt.KeyExtension)
	if profile, ok := group.Attr(attrProfile); ok {
		for _, name := range profileChain(model, profile) {
			p, _ := model.Child(mgmt.KeyProfile, name)
			copyChildren(out, p, mgmt.KeySubsystem)
		}
	}
	socketGroup, _ := cfg.Attr(attrSocketGroup)
	if socketGroup == "" {
		socketGroup, _ = group.Attr(attrSocketGroup)
	}
	if sbg, ok := model.Child(mgmt.KeySocketBindingGroup, socketGroup); ok {
		out.SetChild(mgmt.KeySocketBindingGroup, socketGroup, sbg.Clone())
	}
	for _, name := range group.ChildNames(mgmt.KeyDeployment) {
		dep, _ := group.Child(mgmt.KeyDeployment, name)
		d := dep.Clone()
		if domainDep, ok := model.Child(mgmt.KeyDeployment, name); ok {
			for _, attr := range []string{controller.AttrRuntimeName, controller.AttrHash} {
				if _, set := d.Attr(attr); set {
					continue
				}
				if v, ok := domainDep.Attr(attr); ok {
					d.SetAttr(attr, v)
				}
			}
		}
		out.SetChild(mgmt.KeyDeployment, name, d)
	}
	for _, key := range []string{mgmt.KeyPath, mgmt.KeyInterface, mgmt.KeySystemProperty} {
		copyChildren(out, model, key)
		if key == mgmt.KeySystemProperty {
			copyChildren(out, group, key)
		}
		copyChildren(out, host, key)
		copyChildren(out, cfg, key)
	}
	return out, true
}

func copyChildren(dst, src *controller.Resource, key string) {
	for _, name := range src.ChildNames(key) {
		child, _ := src.Child(key, name)
		dst.SetChild(key, name, child.Clone())
	}
}

// profileChain returns profile preceded by the profiles it includes, each
// once, deepest first.
func profileChain(model *controller.Resource, profile string) []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		p, ok := model.Child(mgmt.KeyProfile, name)
		if !ok {
			return
		}
		includes, _ := p.Attr(attrIncludes)
		for _, inc := range strings.Split(includes, ",") {
			if inc = strings.TrimSpace(inc); inc != "" {
				visit(inc)
			}
		}
		out = append(out, name)
	}
	visit(profile)
	return out
}
