package mgmt

import (
	"fmt"
	"strings"
)

// ParticipantID names a participant: a host controller when Server is empty,
// otherwise a managed server on Host belonging to Group.
type ParticipantID struct {
	Host   string `json:"host"`
	Group  string `json:"group,omitempty"`
	Server string `json:"server,omitempty"`
}

// HostID identifies a host controller.
func HostID(host string) ParticipantID { return ParticipantID{Host: host} }

// ServerID identifies a managed server.
func ServerID(host, group, server string) ParticipantID {
	return ParticipantID{Host: host, Group: group, Server: server}
}

// IsServer reports whether the id names a managed server.
func (p ParticipantID) IsServer() bool { return p.Server != "" }

// String renders "host=h" or "host=h/server-group=g/server=s".
func (p ParticipantID) String() string {
	if !p.IsServer() {
		return KeyHost + "=" + p.Host
	}
	return fmt.Sprintf("%s=%s/%s=%s/%s=%s", KeyHost, p.Host, KeyServerGroup, p.Group, KeyServer, p.Server)
}

// ParseParticipantID reverses String.
func ParseParticipantID(s string) (ParticipantID, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return ParticipantID{}, err
	}
	var id ParticipantID
	for _, el := range addr {
		switch el.Key {
		case KeyHost:
			id.Host = el.Value
		case KeyServerGroup:
			id.Group = el.Value
		case KeyServer:
			id.Server = el.Value
		default:
			return ParticipantID{}, fmt.Errorf("mgmt: unexpected participant element %q", el.Key)
		}
	}
	if id.Host == "" || (id.Server != "") != (id.Group != "") {
		return ParticipantID{}, fmt.Errorf("mgmt: invalid participant id %q", s)
	}
	return id, nil
}

// MarshalText lets ParticipantID serve as a JSON map key.
func (p ParticipantID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText reverses MarshalText.
func (p *ParticipantID) UnmarshalText(text []byte) error {
	id, err := ParseParticipantID(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*p = id
	return nil
}
