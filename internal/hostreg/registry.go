package hostreg

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/api"
	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/remote"
	"pkt.systems/domainctl/internal/svcfields"
)

// DialFunc opens a client for a remote host.
type DialFunc func(spec HostSpec) (*remote.Client, error)

// Config configures a Registry.
type Config struct {
	// Local is the name of the host this process runs.
	Local    string
	Topology Topology
	// HostProxy reaches the local host controller.
	HostProxy participant.Proxy
	// Servers are the managed servers of the local host.
	Servers []participant.Proxy
	// Dial opens remote host clients. Defaults to remote.NewClient.
	Dial   DialFunc
	Logger pslog.Logger
}

// Registry resolves hosts and managed servers to proxies. It is safe for
// concurrent use; Update swaps the topology atomically.
type Registry struct {
	local     string
	hostProxy participant.Proxy
	servers   map[string]participant.Proxy
	dial      DialFunc
	logger    pslog.Logger

	mu       sync.RWMutex
	topology Topology
	clients  map[string]*remote.Client
}

// New constructs a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Local == "" {
		return nil, errors.New("hostreg: local host required")
	}
	if cfg.HostProxy == nil {
		return nil, errors.New("hostreg: local host proxy required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "hostreg")
	r := &Registry{
		local:     cfg.Local,
		hostProxy: cfg.HostProxy,
		servers:   make(map[string]participant.Proxy, len(cfg.Servers)),
		dial:      cfg.Dial,
		logger:    logger,
	}
	if r.dial == nil {
		r.dial = func(spec HostSpec) (*remote.Client, error) {
			return remote.NewClient(remote.Config{Endpoint: spec.Endpoint, Logger: logger})
		}
	}
	for _, p := range cfg.Servers {
		id := p.ID()
		if !id.IsServer() || id.Host != cfg.Local {
			return nil, fmt.Errorf("hostreg: %s is not a server of %s", id, cfg.Local)
		}
		if _, dup := r.servers[id.Server]; dup {
			return nil, fmt.Errorf("hostreg: duplicate server %s", id.Server)
		}
		r.servers[id.Server] = p
	}
	if err := r.Update(cfg.Topology); err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the topology. Clients of hosts whose endpoint did not
// change are kept.
func (r *Registry) Update(top Topology) error {
	top.normalize()
	if err := top.Validate(); err != nil {
		return fmt.Errorf("hostreg: %w", err)
	}
	if _, ok := top.Host(r.local); !ok {
		return fmt.Errorf("hostreg: local host %q missing from topology", r.local)
	}
	r.mu.RLock()
	previous := r.clients
	r.mu.RUnlock()

	clients := make(map[string]*remote.Client, len(top.Hosts))
	for _, h := range top.Hosts {
		if h.Name == r.local {
			continue
		}
		if h.Endpoint == "" {
			return fmt.Errorf("hostreg: host %q has no endpoint", h.Name)
		}
		if c, ok := previous[h.Name]; ok && c.Endpoint() == h.Endpoint {
			clients[h.Name] = c
			continue
		}
		c, err := r.dial(h)
		if err != nil {
			return fmt.Errorf("hostreg: dial %s: %w", h.Name, err)
		}
		clients[h.Name] = c
	}

	r.mu.Lock()
	r.topology = top
	r.clients = clients
	r.mu.Unlock()
	r.logger.Info("hostreg.topology.updated", "hosts", len(top.Hosts), "master", top.Master, "local_master", top.Master == r.local)
	return nil
}

// Local returns the name of the local host.
func (r *Registry) Local() string { return r.local }

// IsMaster reports whether the local host is the domain coordinator.
func (r *Registry) IsMaster() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topology.Master == r.local
}

// Master returns the name of the domain coordinator.
func (r *Registry) Master() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topology.Master
}

// Topology returns the current topology.
func (r *Registry) Topology() Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.topology
	out.Hosts = append([]HostSpec(nil), r.topology.Hosts...)
	return out
}

// Hosts lists every host name in order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.topology.Hosts))
	for i, h := range r.topology.Hosts {
		out[i] = h.Name
	}
	return out
}

// Client returns the client of a remote host.
func (r *Registry) Client(host string) (*remote.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[host]
	return c, ok
}

// MasterContent returns the client of the master's content repository. It
// reports false on the master itself.
func (r *Registry) MasterContent() (content.Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.topology.Master == r.local {
		return nil, false
	}
	c, ok := r.clients[r.topology.Master]
	if !ok {
		return nil, false
	}
	return c, true
}

// HostProxy returns the proxy of a host controller.
func (r *Registry) HostProxy(host string) (participant.Proxy, bool) {
	if host == r.local {
		return r.hostProxy, true
	}
	c, ok := r.Client(host)
	if !ok {
		return nil, false
	}
	return c.Proxy(mgmt.HostID(host)), true
}

// ServerProxy returns the proxy of a managed server. Remote servers are
// reached through their host.
func (r *Registry) ServerProxy(id mgmt.ParticipantID) (participant.Proxy, bool) {
	if !id.IsServer() {
		return nil, false
	}
	if id.Host == r.local {
		p, ok := r.servers[id.Server]
		if !ok || p.ID() != id {
			return nil, false
		}
		return p, true
	}
	c, ok := r.Client(id.Host)
	if !ok {
		return nil, false
	}
	return c.Proxy(id), true
}

// Participant returns a local participant by server name; the empty name
// selects the host controller.
func (r *Registry) Participant(server string) (participant.Proxy, bool) {
	if server == "" {
		return r.hostProxy, true
	}
	p, ok := r.servers[server]
	return p, ok
}

// Servers lists the local managed servers in name order.
func (r *Registry) Servers() []mgmt.ParticipantID {
	out := make([]mgmt.ParticipantID, 0, len(r.servers))
	for _, p := range r.servers {
		out = append(out, p.ID())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// HostInfos describes every host for GET /v1/hosts.
func (r *Registry) HostInfos() []api.HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.HostInfo, len(r.topology.Hosts))
	for i, h := range r.topology.Hosts {
		out[i] = api.HostInfo{
			Name:     h.Name,
			Endpoint: h.Endpoint,
			Master:   h.Name == r.topology.Master,
			Local:    h.Name == r.local,
		}
	}
	return out
}
