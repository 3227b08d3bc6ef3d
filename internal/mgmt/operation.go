package mgmt

import (
	"encoding/json"
	"io"
	"maps"
	"slices"
	"strconv"
)

// Standard operation names.
const (
	OpAdd                   = "add"
	OpRemove                = "remove"
	OpWriteAttribute        = "write-attribute"
	OpUndefineAttribute     = "undefine-attribute"
	OpReadResource          = "read-resource"
	OpReadAttribute         = "read-attribute"
	OpReadChildrenNames     = "read-children-names"
	OpComposite             = "composite"
	OpDeploy                = "deploy"
	OpUndeploy              = "undeploy"
	OpRedeploy              = "redeploy"
	OpFullReplaceDeployment = "full-replace-deployment"
	OpReplaceDeployment     = "replace-deployment"

	// Pushed to managed servers whose configuration changed in a way that
	// only takes effect after a restart or reload.
	OpRequireRestart = "server-set-restart-required"
	OpRequireReload  = "server-set-reload-required"
)

// Well-known parameter names.
const (
	ParamName        = "name"
	ParamValue       = "value"
	ParamChildType   = "child-type"
	ParamRuntimeName = "runtime-name"
	ParamHash        = "hash"
	ParamEnabled     = "enabled"
	ParamAutoStart   = "auto-start"
	ParamGroup       = "group"
	ParamProfile     = "profile"
	ParamSocketGroup = "socket-binding-group"
	ParamPortOffset  = "socket-binding-port-offset"
	ParamToReplace   = "to-replace"
)

// ContentItem is one deployment payload reference. Exactly one of Hash,
// InputStreamIndex or Bytes is set; only Hash may cross a process boundary.
type ContentItem struct {
	Hash             string `json:"hash,omitempty" yaml:"hash,omitempty"`
	InputStreamIndex *int   `json:"input-stream-index,omitempty" yaml:"input-stream-index,omitempty"`
	Bytes            []byte `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

// HasPayload reports whether the item still carries raw content.
func (c ContentItem) HasPayload() bool {
	return c.InputStreamIndex != nil || c.Bytes != nil
}

// StreamIndex is a convenience for building attachment references.
func StreamIndex(i int) *int { return &i }

// Operation is a request against the management tree. Attachments are raw
// content streams referenced by ContentItem.InputStreamIndex and never
// serialized.
type Operation struct {
	Name        string            `json:"operation" yaml:"operation"`
	Address     Address           `json:"address,omitempty" yaml:"address,omitempty"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Content     []ContentItem     `json:"content,omitempty" yaml:"content,omitempty"`
	Steps       []Operation       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Headers     *Headers          `json:"operation-headers,omitempty" yaml:"operation-headers,omitempty"`
	Attachments []io.Reader       `json:"-" yaml:"-"`
}

// NewOperation builds an operation with optional key/value params.
func NewOperation(name string, addr Address, params ...string) Operation {
	op := Operation{Name: name, Address: addr}
	for i := 0; i+1 < len(params); i += 2 {
		op.SetParam(params[i], params[i+1])
	}
	return op
}

// Composite wraps steps in a composite operation at the root address.
func Composite(steps ...Operation) Operation {
	return Operation{Name: OpComposite, Address: Address{}, Steps: steps}
}

// IsComposite reports whether op is a composite.
func (o Operation) IsComposite() bool { return o.Name == OpComposite }

// IsAddType reports whether op may carry deployment content.
func (o Operation) IsAddType() bool {
	return o.Name == OpAdd || o.Name == OpFullReplaceDeployment
}

// Param returns a parameter value, or "" when unset.
func (o Operation) Param(name string) string {
	return o.Params[name]
}

// BoolParam parses a boolean parameter, returning def when unset or invalid.
func (o Operation) BoolParam(name string, def bool) bool {
	raw, ok := o.Params[name]
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// SetParam sets a parameter, allocating the map on first use.
func (o *Operation) SetParam(name, value string) {
	if o.Params == nil {
		o.Params = make(map[string]string)
	}
	o.Params[name] = value
}

// Clone deep-copies the operation. Attachment readers are shared.
func (o Operation) Clone() Operation {
	out := o
	out.Address = append(Address{}, o.Address...)
	if o.Params != nil {
		out.Params = maps.Clone(o.Params)
	}
	if o.Content != nil {
		out.Content = make([]ContentItem, len(o.Content))
		for i, item := range o.Content {
			cp := item
			if item.InputStreamIndex != nil {
				cp.InputStreamIndex = StreamIndex(*item.InputStreamIndex)
			}
			if item.Bytes != nil {
				cp.Bytes = slices.Clone(item.Bytes)
			}
			out.Content[i] = cp
		}
	}
	if o.Steps != nil {
		out.Steps = make([]Operation, len(o.Steps))
		for i, step := range o.Steps {
			out.Steps[i] = step.Clone()
		}
	}
	if o.Headers != nil {
		h := o.Headers.Clone()
		out.Headers = &h
	}
	if o.Attachments != nil {
		out.Attachments = slices.Clone(o.Attachments)
	}
	return out
}

// HasPayloadContent reports whether any add-type step still carries raw
// content. Content on other operations is never substituted.
func (o Operation) HasPayloadContent() bool {
	if o.IsAddType() {
		for _, item := range o.Content {
			if item.HasPayload() {
				return true
			}
		}
	}
	for _, step := range o.Steps {
		if step.HasPayloadContent() {
			return true
		}
	}
	return false
}

// Key returns a canonical encoding used to group identical operations.
// Headers and attachments do not take part.
func (o Operation) Key() string {
	stripped := o.Clone()
	stripHeaders(&stripped)
	stripped.Attachments = nil
	data, err := json.Marshal(stripped)
	if err != nil {
		return o.Name + " " + o.Address.String()
	}
	return string(data)
}

func stripHeaders(op *Operation) {
	op.Headers = nil
	for i := range op.Steps {
		stripHeaders(&op.Steps[i])
	}
}

// DontPropagate reports whether the operation must stay on host controllers.
func (o Operation) DontPropagate() bool {
	return o.Headers != nil && o.Headers.DontPropagateToServers
}

// Plan returns the rollout plan header or nil.
func (o Operation) Plan() *RolloutPlan {
	if o.Headers == nil {
		return nil
	}
	return o.Headers.RolloutPlan
}
