// Package hostreg tracks the hosts of the domain and hands out the proxies
// used to reach them and their managed servers.
package hostreg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Topology is the static description of the domain loaded from YAML:
//
//	master: primary
//	hosts:
//	  - name: primary
//	    endpoint: http://10.0.0.1:9990
//	  - name: backup
//	    endpoint: http://10.0.0.2:9990
type Topology struct {
	// Master names the host acting as domain coordinator.
	Master string     `yaml:"master"`
	Hosts  []HostSpec `yaml:"hosts"`
}

// HostSpec is one host controller of the domain.
type HostSpec struct {
	Name string `yaml:"name"`
	// Endpoint is the base URL of the host's management API. It may be empty
	// for the local host only.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Load reads and validates the topology file at path.
func Load(path string) (Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return Topology{}, fmt.Errorf("hostreg: open topology: %w", err)
	}
	defer f.Close()
	top, err := Decode(f)
	if err != nil {
		return Topology{}, fmt.Errorf("hostreg: %s: %w", path, err)
	}
	return top, nil
}

// Decode parses a YAML topology and validates it.
func Decode(r io.Reader) (Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Topology{}, err
	}
	var top Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&top); err != nil {
		if errors.Is(err, io.EOF) {
			return Topology{}, errors.New("empty topology")
		}
		return Topology{}, fmt.Errorf("decode topology: %w", err)
	}
	top.normalize()
	if err := top.Validate(); err != nil {
		return Topology{}, err
	}
	return top, nil
}

func (t *Topology) normalize() {
	t.Master = strings.TrimSpace(t.Master)
	for i := range t.Hosts {
		t.Hosts[i].Name = strings.TrimSpace(t.Hosts[i].Name)
		t.Hosts[i].Endpoint = strings.TrimRight(strings.TrimSpace(t.Hosts[i].Endpoint), "/")
	}
	sort.Slice(t.Hosts, func(i, j int) bool { return t.Hosts[i].Name < t.Hosts[j].Name })
}

// Validate checks host names are unique and the master is one of them.
func (t Topology) Validate() error {
	if len(t.Hosts) == 0 {
		return errors.New("topology lists no hosts")
	}
	seen := make(map[string]struct{}, len(t.Hosts))
	for _, h := range t.Hosts {
		if h.Name == "" {
			return errors.New("host name required")
		}
		if strings.ContainsAny(h.Name, "/=") {
			return fmt.Errorf("host name %q must not contain '/' or '='", h.Name)
		}
		if _, dup := seen[h.Name]; dup {
			return fmt.Errorf("duplicate host %q", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	if t.Master == "" {
		return errors.New("master host required")
	}
	if _, ok := seen[t.Master]; !ok {
		return fmt.Errorf("master %q is not a listed host", t.Master)
	}
	return nil
}

// Host returns the spec of the named host.
func (t Topology) Host(name string) (HostSpec, bool) {
	for _, h := range t.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostSpec{}, false
}
