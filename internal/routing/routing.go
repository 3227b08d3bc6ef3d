// Package routing decides where an operation executes before any
// participant is contacted.
package routing

import (
	"slices"
	"sort"

	"pkt.systems/domainctl/internal/mgmt"
)

// Kind is the execution strategy for an operation.
type Kind int

const (
	// LocalOnly executes on the local controller without coordination.
	LocalOnly Kind = iota
	// SingleHost forwards the operation to one remote host, which executes
	// it directly.
	SingleHost
	// TwoPhase coordinates the operation across several hosts.
	TwoPhase
)

func (k Kind) String() string {
	switch k {
	case LocalOnly:
		return "local"
	case SingleHost:
		return "single-host"
	case TwoPhase:
		return "two-phase"
	default:
		return "unknown"
	}
}

// Route is the classification of one operation.
type Route struct {
	Kind Kind
	// Host is the target of a SingleHost route.
	Host string
	// Hosts are the targets of a TwoPhase route, sorted.
	Hosts []string
}

// Local describes the classifying process.
type Local struct {
	Host     string
	IsMaster bool
}

// Registry is the part of the operation registry routing depends on.
type Registry interface {
	Validate(op mgmt.Operation) error
	IsReadOnly(addr mgmt.Address, name string) bool
}

type stepInfo struct {
	hosts       map[string]bool
	domainWrite bool
}

// Classify returns the route for op. knownHosts lists every host the master
// knows about; it may omit the local host.
func Classify(op mgmt.Operation, local Local, registry Registry, knownHosts []string) (Route, error) {
	if err := registry.Validate(op); err != nil {
		return Route{}, err
	}
	info := stepInfo{hosts: make(map[string]bool)}
	collect(op, registry, &info)

	if info.domainWrite {
		if !local.IsMaster {
			return Route{}, notMaster(op)
		}
		return Route{Kind: TwoPhase, Hosts: allHosts(local.Host, knownHosts, info.hosts)}, nil
	}
	switch len(info.hosts) {
	case 0:
		return Route{Kind: LocalOnly}, nil
	case 1:
		var host string
		for h := range info.hosts {
			host = h
		}
		if host == local.Host {
			return Route{Kind: LocalOnly}, nil
		}
		if !local.IsMaster {
			return Route{}, notMaster(op)
		}
		if !slices.Contains(knownHosts, host) {
			return Route{}, mgmt.NewRoutingError(mgmt.CodeUnknownHost, "host %s is not registered", host)
		}
		return Route{Kind: SingleHost, Host: host}, nil
	default:
		if !local.IsMaster {
			return Route{}, notMaster(op)
		}
		hosts := make([]string, 0, len(info.hosts))
		for h := range info.hosts {
			if h != local.Host && !slices.Contains(knownHosts, h) {
				return Route{}, mgmt.NewRoutingError(mgmt.CodeUnknownHost, "host %s is not registered", h)
			}
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		return Route{Kind: TwoPhase, Hosts: hosts}, nil
	}
}

func collect(op mgmt.Operation, registry Registry, info *stepInfo) {
	if op.IsComposite() {
		for _, step := range op.Steps {
			collect(step, registry, info)
		}
		return
	}
	if first, ok := op.Address.First(); ok && first.Key == mgmt.KeyHost {
		info.hosts[first.Value] = true
		return
	}
	if !registry.IsReadOnly(op.Address, op.Name) {
		info.domainWrite = true
	}
}

func allHosts(localHost string, known []string, extra map[string]bool) []string {
	set := map[string]bool{localHost: true}
	for _, h := range known {
		set[h] = true
	}
	for h := range extra {
		set[h] = true
	}
	out := make([]string, 0, len(set))
	for h := range set {
		if h != "" {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func notMaster(op mgmt.Operation) error {
	return mgmt.NewRoutingError(mgmt.CodeNotMaster, "operation %s at %s must be handled by the master", op.Name, op.Address)
}

// ForHost narrows op to the part host must apply: steps addressed to other
// hosts are dropped. It reports false when nothing is left.
func ForHost(op mgmt.Operation, host string) (mgmt.Operation, bool) {
	if !op.IsComposite() {
		if first, ok := op.Address.First(); ok && first.Key == mgmt.KeyHost && first.Value != host {
			return mgmt.Operation{}, false
		}
		return op, true
	}
	out := op.Clone()
	steps := out.Steps
	out.Steps = nil
	for _, step := range steps {
		if narrowed, ok := ForHost(step, host); ok {
			out.Steps = append(out.Steps, narrowed)
		}
	}
	if len(out.Steps) == 0 {
		return mgmt.Operation{}, false
	}
	return out, true
}
