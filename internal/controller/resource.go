package controller

import (
	"maps"
	"sort"

	"pkt.systems/domainctl/internal/mgmt"
)

// Resource is one node of the management tree. Children are keyed first by
// element key (e.g. "server-group") and then by element value.
type Resource struct {
	Attributes map[string]string               `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Children   map[string]map[string]*Resource `json:"children,omitempty" yaml:"children,omitempty"`
}

// NewResource returns a resource with the given attributes.
func NewResource(attrs map[string]string) *Resource {
	return &Resource{Attributes: maps.Clone(attrs)}
}

// Clone deep-copies r. A nil resource clones to an empty one.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return &Resource{}
	}
	out := &Resource{Attributes: maps.Clone(r.Attributes)}
	if r.Children != nil {
		out.Children = make(map[string]map[string]*Resource, len(r.Children))
		for key, byName := range r.Children {
			copied := make(map[string]*Resource, len(byName))
			for name, child := range byName {
				copied[name] = child.Clone()
			}
			out.Children[key] = copied
		}
	}
	return out
}

// Attr returns an attribute value.
func (r *Resource) Attr(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// SetAttr sets an attribute value.
func (r *Resource) SetAttr(name, value string) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	r.Attributes[name] = value
}

// Child returns the direct child key=name.
func (r *Resource) Child(key, name string) (*Resource, bool) {
	if r == nil {
		return nil, false
	}
	child, ok := r.Children[key][name]
	return child, ok
}

// ChildNames lists the names of children of one type in sorted order.
func (r *Resource) ChildNames(key string) []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Children[key]))
	for name := range r.Children[key] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetChild installs child under key=name, replacing any previous child.
func (r *Resource) SetChild(key, name string, child *Resource) {
	if r.Children == nil {
		r.Children = make(map[string]map[string]*Resource)
	}
	if r.Children[key] == nil {
		r.Children[key] = make(map[string]*Resource)
	}
	r.Children[key][name] = child
}

// RemoveChild deletes key=name and reports whether it existed.
func (r *Resource) RemoveChild(key, name string) bool {
	if _, ok := r.Child(key, name); !ok {
		return false
	}
	delete(r.Children[key], name)
	if len(r.Children[key]) == 0 {
		delete(r.Children, key)
	}
	return true
}

// Navigate walks addr from r.
func (r *Resource) Navigate(addr mgmt.Address) (*Resource, bool) {
	cur := r
	for _, el := range addr {
		next, ok := cur.Child(el.Key, el.Value)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}
