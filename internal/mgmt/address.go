package mgmt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known address element keys.
const (
	KeyHost               = "host"
	KeyServer             = "server"
	KeyServerConfig       = "server-config"
	KeyServerGroup        = "server-group"
	KeyProfile            = "profile"
	KeySubsystem          = "subsystem"
	KeyDeployment         = "deployment"
	KeyExtension          = "extension"
	KeyPath               = "path"
	KeyInterface          = "interface"
	KeySystemProperty     = "system-property"
	KeySocketBindingGroup = "socket-binding-group"
	KeyJVM                = "jvm"
)

// PathElement is one key=value step of an Address.
type PathElement struct {
	Key   string
	Value string
}

func (p PathElement) String() string { return p.Key + "=" + p.Value }

// Address locates a resource in the management tree. The zero value is the
// domain root.
type Address []PathElement

// Root is the empty address.
var Root = Address{}

// ParseAddress parses "/k1=v1/k2=v2". An empty string or "/" is the root.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "/")
	if s == "" {
		return Address{}, nil
	}
	parts := strings.Split(s, "/")
	addr := make(Address, 0, len(parts))
	for _, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("mgmt: invalid address element %q in %q", part, s)
		}
		addr = append(addr, PathElement{Key: key, Value: value})
	}
	return addr, nil
}

// MustParseAddress is ParseAddress for literals; it panics on error.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// NewAddress builds an address from alternating key/value pairs.
func NewAddress(pairs ...string) Address {
	if len(pairs)%2 != 0 {
		panic("mgmt: NewAddress requires key/value pairs")
	}
	addr := make(Address, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		addr = append(addr, PathElement{Key: pairs[i], Value: pairs[i+1]})
	}
	return addr
}

func (a Address) String() string {
	if len(a) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, el := range a {
		b.WriteByte('/')
		b.WriteString(el.String())
	}
	return b.String()
}

// IsRoot reports whether a addresses the domain root.
func (a Address) IsRoot() bool { return len(a) == 0 }

// First returns the leading element.
func (a Address) First() (PathElement, bool) {
	if len(a) == 0 {
		return PathElement{}, false
	}
	return a[0], true
}

// Last returns the trailing element.
func (a Address) Last() (PathElement, bool) {
	if len(a) == 0 {
		return PathElement{}, false
	}
	return a[len(a)-1], true
}

// Sub returns a copy of a starting at index start.
func (a Address) Sub(start int) Address {
	if start >= len(a) {
		return Address{}
	}
	return append(Address{}, a[start:]...)
}

// Parent returns a copy of a without its last element.
func (a Address) Parent() Address {
	if len(a) == 0 {
		return Address{}
	}
	return append(Address{}, a[:len(a)-1]...)
}

// Append returns a copy of a with key=value appended.
func (a Address) Append(key, value string) Address {
	out := make(Address, len(a), len(a)+1)
	copy(out, a)
	return append(out, PathElement{Key: key, Value: value})
}

// Value returns the value of the first element with key.
func (a Address) Value(key string) (string, bool) {
	for _, el := range a {
		if el.Key == key {
			return el.Value, true
		}
	}
	return "", false
}

// Equal compares two addresses element by element.
func (a Address) Equal(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the address in its string form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML keeps addresses readable in operation files.
func (a Address) MarshalYAML() (any, error) { return a.String(), nil }

// UnmarshalYAML accepts the string form.
func (a *Address) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
