package controller

import (
	"errors"
	"fmt"
	"strconv"

	"pkt.systems/domainctl/internal/mgmt"
)

// Attribute names the handlers maintain.
const (
	AttrHash        = mgmt.ParamHash
	AttrRuntimeName = mgmt.ParamRuntimeName
	AttrEnabled     = mgmt.ParamEnabled
	AttrRevision    = "revision"
	AttrServerState = "server-state"
)

// Server states recorded on a managed server's root resource.
const (
	StateReloadRequired  = "reload-required"
	StateRestartRequired = "restart-required"
)

var errContentNotStored = errors.New("deployment content must be stored before execution")

func target(model *Resource, addr mgmt.Address) (*Resource, error) {
	res, ok := model.Navigate(addr)
	if !ok {
		return nil, fmt.Errorf("resource %s not found", addr)
	}
	return res, nil
}

func contentHash(op mgmt.Operation) (string, error) {
	if len(op.Content) == 0 {
		return "", nil
	}
	item := op.Content[0]
	if item.HasPayload() || item.Hash == "" {
		return "", errContentNotStored
	}
	return item.Hash, nil
}

func addHandler(model *Resource, op mgmt.Operation) (any, error) {
	last, ok := op.Address.Last()
	if !ok {
		return nil, errors.New("cannot add the root resource")
	}
	parent, err := target(model, op.Address.Parent())
	if err != nil {
		return nil, err
	}
	if _, exists := parent.Child(last.Key, last.Value); exists {
		return nil, fmt.Errorf("resource %s already exists", op.Address)
	}
	child := NewResource(op.Params)
	hash, err := contentHash(op)
	if err != nil {
		return nil, err
	}
	if hash != "" {
		child.SetAttr(AttrHash, hash)
	}
	parent.SetChild(last.Key, last.Value, child)
	return nil, nil
}

func removeHandler(model *Resource, op mgmt.Operation) (any, error) {
	last, ok := op.Address.Last()
	if !ok {
		return nil, errors.New("cannot remove the root resource")
	}
	parent, err := target(model, op.Address.Parent())
	if err != nil {
		return nil, err
	}
	if !parent.RemoveChild(last.Key, last.Value) {
		return nil, fmt.Errorf("resource %s not found", op.Address)
	}
	return nil, nil
}

func writeAttributeHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	name := op.Param(mgmt.ParamName)
	if name == "" {
		return nil, errors.New("write-attribute requires a name")
	}
	value, ok := op.Params[mgmt.ParamValue]
	if !ok {
		return nil, fmt.Errorf("write-attribute %s requires a value", name)
	}
	res.SetAttr(name, value)
	return nil, nil
}

func undefineAttributeHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	name := op.Param(mgmt.ParamName)
	if name == "" {
		return nil, errors.New("undefine-attribute requires a name")
	}
	delete(res.Attributes, name)
	return nil, nil
}

func readResourceHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	return res.Clone(), nil
}

func readAttributeHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	name := op.Param(mgmt.ParamName)
	value, ok := res.Attr(name)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func readChildrenNamesHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	childType := op.Param(mgmt.ParamChildType)
	if childType == "" {
		return nil, errors.New("read-children-names requires a child-type")
	}
	return res.ChildNames(childType), nil
}

func enableHandler(enabled bool) HandlerFunc {
	return func(model *Resource, op mgmt.Operation) (any, error) {
		res, err := target(model, op.Address)
		if err != nil {
			return nil, err
		}
		res.SetAttr(AttrEnabled, strconv.FormatBool(enabled))
		return nil, nil
	}
}

func redeployHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	rev, _ := strconv.Atoi(res.Attributes[AttrRevision])
	res.SetAttr(AttrRevision, strconv.Itoa(rev+1))
	return nil, nil
}

// fullReplaceHandler swaps the content of a root deployment, creating it
// when absent. Server-group deployments reference root deployments by name
// and pick up the new hash through the root entry.
func fullReplaceHandler(model *Resource, op mgmt.Operation) (any, error) {
	name := op.Param(mgmt.ParamName)
	if name == "" {
		return nil, errors.New("full-replace-deployment requires a name")
	}
	hash, err := contentHash(op)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.New("full-replace-deployment requires content")
	}
	runtimeName := op.Param(mgmt.ParamRuntimeName)
	if runtimeName == "" {
		runtimeName = name
	}
	dep, ok := model.Child(mgmt.KeyDeployment, name)
	if !ok {
		dep = NewResource(nil)
		model.SetChild(mgmt.KeyDeployment, name, dep)
	}
	dep.SetAttr(AttrHash, hash)
	dep.SetAttr(AttrRuntimeName, runtimeName)
	if op.Params[mgmt.ParamEnabled] != "" {
		dep.SetAttr(AttrEnabled, op.Param(mgmt.ParamEnabled))
	}
	return nil, nil
}

// replaceDeploymentHandler enables deployment name in place of to-replace
// under the addressed resource: a server group on the domain, or the root
// of a managed server.
func replaceDeploymentHandler(model *Resource, op mgmt.Operation) (any, error) {
	res, err := target(model, op.Address)
	if err != nil {
		return nil, err
	}
	name := op.Param(mgmt.ParamName)
	old := op.Param(mgmt.ParamToReplace)
	if name == "" || old == "" {
		return nil, errors.New("replace-deployment requires name and to-replace")
	}
	if last, ok := op.Address.Last(); ok && last.Key == mgmt.KeyServerGroup {
		if _, ok := model.Child(mgmt.KeyDeployment, name); !ok {
			return nil, fmt.Errorf("deployment %s not found", name)
		}
	}
	oldDep, ok := res.Child(mgmt.KeyDeployment, old)
	if !ok {
		return nil, fmt.Errorf("deployment %s to replace not found at %s", old, op.Address)
	}
	hash, err := contentHash(op)
	if err != nil {
		return nil, err
	}
	dep, ok := res.Child(mgmt.KeyDeployment, name)
	if !ok {
		dep = NewResource(nil)
		res.SetChild(mgmt.KeyDeployment, name, dep)
	}
	if name != old {
		oldDep.SetAttr(AttrEnabled, "false")
	}
	dep.SetAttr(AttrEnabled, "true")
	if rn := op.Param(mgmt.ParamRuntimeName); rn != "" {
		dep.SetAttr(AttrRuntimeName, rn)
	}
	if hash != "" {
		dep.SetAttr(AttrHash, hash)
	}
	return nil, nil
}

// requireStateHandler marks a managed server as needing a reload or
// restart. A pending restart is never downgraded to a reload.
func requireStateHandler(state string) HandlerFunc {
	return func(model *Resource, op mgmt.Operation) (any, error) {
		if !op.Address.IsRoot() {
			return nil, fmt.Errorf("%s applies to the server root only", op.Name)
		}
		if current, _ := model.Attr(AttrServerState); current == StateRestartRequired {
			return nil, nil
		}
		model.SetAttr(AttrServerState, state)
		return nil, nil
	}
}
