package resolver

import (
	"context"
	"fmt"
	"testing"

	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
)

func res(attrs ...string) *controller.Resource {
	m := make(map[string]string)
	for i := 0; i+1 < len(attrs); i += 2 {
		m[attrs[i]] = attrs[i+1]
	}
	return controller.NewResource(m)
}

func testModel() *controller.Resource {
	root := res()
	root.SetChild(mgmt.KeyProfile, "base", res())
	root.SetChild(mgmt.KeyProfile, "full", res("includes", "base"))
	root.SetChild(mgmt.KeyProfile, "other", res())
	main := res(mgmt.ParamProfile, "full", mgmt.ParamSocketGroup, "std")
	main.SetChild(mgmt.KeyDeployment, "app.war", res(mgmt.ParamEnabled, "true"))
	root.SetChild(mgmt.KeyServerGroup, "main", main)
	root.SetChild(mgmt.KeyServerGroup, "backup", res(mgmt.ParamProfile, "other", mgmt.ParamSocketGroup, "alt"))
	root.SetChild(mgmt.KeyDeployment, "app.war", res(controller.AttrRuntimeName, "app-rt.war", controller.AttrHash, "h1"))
	root.SetChild(mgmt.KeySystemProperty, "over", res(mgmt.ParamValue, "domain"))

	host := res()
	host.SetChild(mgmt.KeyServerConfig, "s1", res(mgmt.ParamGroup, "main"))
	s2 := res(mgmt.ParamGroup, "main")
	s2.SetChild(mgmt.KeySystemProperty, "over", res(mgmt.ParamValue, "server"))
	host.SetChild(mgmt.KeyServerConfig, "s2", s2)
	host.SetChild(mgmt.KeyServerConfig, "s3", res(mgmt.ParamGroup, "backup"))
	host.SetChild(mgmt.KeyServerConfig, "s4", res(mgmt.ParamGroup, "main", mgmt.ParamAutoStart, "false"))
	root.SetChild(mgmt.KeyHost, "a", host)
	return root
}

func op(name, addr string, params ...string) mgmt.Operation {
	return mgmt.NewOperation(name, mgmt.MustParseAddress(addr), params...)
}

func servers(g mgmt.ServerOperationGroup) string {
	var out []string
	for _, id := range g.Servers {
		out = append(out, id.Server)
	}
	return fmt.Sprint(out)
}

func resolve(t *testing.T, o mgmt.Operation) []mgmt.ServerOperationGroup {
	t.Helper()
	return New(controller.DefaultRegistry()).Resolve(o, testModel(), "a", mgmt.Success(nil))
}

func TestResolveNothingToPush(t *testing.T) {
	r := New(controller.DefaultRegistry())
	write := op(mgmt.OpAdd, "/extension=org.foo")
	if got := r.Resolve(write, testModel(), "a", mgmt.Failed(mgmt.FailureOperation, "x")); got != nil {
		t.Fatalf("failed prior should resolve to nothing, got %+v", got)
	}
	if got := r.Resolve(op(mgmt.OpReadResource, "/profile=full"), testModel(), "a", mgmt.Success(nil)); got != nil {
		t.Fatalf("read-only should resolve to nothing, got %+v", got)
	}
	write.Headers = &mgmt.Headers{DontPropagateToServers: true}
	if got := r.Resolve(write, testModel(), "a", mgmt.Success(nil)); got != nil {
		t.Fatalf("dont-propagate should resolve to nothing, got %+v", got)
	}
	for _, o := range []mgmt.Operation{
		op(mgmt.OpAdd, "/deployment=other.war"),
		op(mgmt.OpWriteAttribute, "/server-group=main", mgmt.ParamName, "management-endpoint", mgmt.ParamValue, "x"),
		op(mgmt.OpWriteAttribute, "/system-property=over", mgmt.ParamName, "boot-time", mgmt.ParamValue, "false"),
		op(mgmt.OpAdd, "/profile=new"),
		op(mgmt.OpAdd, "/host=b/system-property=x"),
		op(mgmt.OpAdd, "/host=a/server-config=s5", mgmt.ParamGroup, "main"),
	} {
		if got := r.Resolve(o, testModel(), "a", mgmt.Success(nil)); len(got) != 0 {
			t.Fatalf("%s %s: expected no server operations, got %+v", o.Name, o.Address, got)
		}
	}
}

func TestResolveExtensionReachesRunningServers(t *testing.T) {
	groups := resolve(t, op(mgmt.OpAdd, "/extension=org.foo"))
	if len(groups) != 1 || servers(groups[0]) != "[s1 s2 s3]" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups[0].Operation.Address.String() != "/extension=org.foo" {
		t.Fatalf("unexpected address %s", groups[0].Operation.Address)
	}
}

func TestResolveProfileStripsAddressAndFollowsIncludes(t *testing.T) {
	groups := resolve(t, op(mgmt.OpAdd, "/profile=base/subsystem=logging"))
	if len(groups) != 1 || servers(groups[0]) != "[s1 s2]" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if got := groups[0].Operation.Address.String(); got != "/subsystem=logging" {
		t.Fatalf("expected stripped address, got %s", got)
	}
	if groups := resolve(t, op(mgmt.OpAdd, "/profile=other/subsystem=x")); len(groups) != 1 || servers(groups[0]) != "[s3]" {
		t.Fatalf("unexpected groups %+v", groups)
	}
}

// only asserts that groups hold exactly one server operation and returns
// its servers and operation.
func only(t *testing.T, groups []mgmt.ServerOperationGroup) (string, mgmt.Operation) {
	t.Helper()
	if len(groups) != 1 {
		t.Fatalf("expected one server operation group, got %+v", groups)
	}
	return servers(groups[0]), groups[0].Operation
}

func TestResolveSystemPropertyHonoursOverrides(t *testing.T) {
	cases := []struct {
		name      string
		op        mgmt.Operation
		servers   string
		derived   string
		value     string
		undefined bool
	}{
		{
			name:    "domain write skips overriding servers",
			op:      op(mgmt.OpWriteAttribute, "/system-property=over", mgmt.ParamName, mgmt.ParamValue, mgmt.ParamValue, "x"),
			servers: "[s1 s3]", derived: mgmt.OpWriteAttribute, value: "x",
		},
		{
			name:    "domain add of a new property",
			op:      op(mgmt.OpAdd, "/system-property=fresh", mgmt.ParamValue, "1"),
			servers: "[s1 s2 s3]", derived: mgmt.OpAdd, value: "1",
		},
		{
			name:    "group add over a domain property becomes a write",
			op:      op(mgmt.OpAdd, "/server-group=main/system-property=over", mgmt.ParamValue, "g"),
			servers: "[s1]", derived: mgmt.OpWriteAttribute, value: "g",
		},
		{
			name:    "group remove restores the domain value",
			op:      op(mgmt.OpRemove, "/server-group=main/system-property=over"),
			servers: "[s1]", derived: mgmt.OpWriteAttribute, value: "domain",
		},
		{
			name:    "group add of a property nobody defines",
			op:      op(mgmt.OpAdd, "/server-group=main/system-property=fresh", mgmt.ParamValue, "g"),
			servers: "[s1 s2]", derived: mgmt.OpAdd, value: "g",
		},
		{
			name:    "group add without value over a domain property",
			op:      op(mgmt.OpAdd, "/server-group=backup/system-property=over"),
			servers: "[s3]", derived: mgmt.OpUndefineAttribute, undefined: true,
		},
		{
			name:    "host add over a domain property becomes a write",
			op:      op(mgmt.OpAdd, "/host=a/system-property=over", mgmt.ParamValue, "h"),
			servers: "[s1 s3]", derived: mgmt.OpWriteAttribute, value: "h",
		},
		{
			name:    "host remove restores the domain value",
			op:      op(mgmt.OpRemove, "/host=a/system-property=over"),
			servers: "[s1 s3]", derived: mgmt.OpWriteAttribute, value: "domain",
		},
		{
			name:    "server add of a new property",
			op:      op(mgmt.OpAdd, "/host=a/server-config=s1/system-property=x", mgmt.ParamValue, "1"),
			servers: "[s1]", derived: mgmt.OpAdd, value: "1",
		},
		{
			name:    "server remove restores the domain value",
			op:      op(mgmt.OpRemove, "/host=a/server-config=s2/system-property=over"),
			servers: "[s2]", derived: mgmt.OpWriteAttribute, value: "domain",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, derived := only(t, resolve(t, tc.op))
			if got != tc.servers {
				t.Fatalf("servers = %s, want %s", got, tc.servers)
			}
			if derived.Name != tc.derived {
				t.Fatalf("derived operation = %s, want %s", derived.Name, tc.derived)
			}
			if addr := derived.Address.String(); addr != "/system-property="+tc.op.Address[len(tc.op.Address)-1].Value {
				t.Fatalf("derived address = %s", addr)
			}
			value, defined := derived.Params[mgmt.ParamValue]
			if tc.undefined {
				if defined || derived.Param(mgmt.ParamName) != mgmt.ParamValue {
					t.Fatalf("expected undefine of value, got %+v", derived)
				}
				return
			}
			if value != tc.value {
				t.Fatalf("derived value = %q, want %q", value, tc.value)
			}
			if derived.Name == mgmt.OpWriteAttribute && derived.Param(mgmt.ParamName) != mgmt.ParamValue {
				t.Fatalf("write must target the value attribute: %+v", derived)
			}
		})
	}
}

// The derived operations must apply cleanly to the server models they target.
func TestSystemPropertyOperationsApplyToServerModels(t *testing.T) {
	m := testModel()
	for _, o := range []mgmt.Operation{
		op(mgmt.OpAdd, "/server-group=main/system-property=over", mgmt.ParamValue, "g"),
		op(mgmt.OpAdd, "/host=a/system-property=over", mgmt.ParamValue, "h"),
	} {
		for _, g := range New(controller.DefaultRegistry()).Resolve(o, m, "a", mgmt.Success(nil)) {
			for _, id := range g.Servers {
				model, ok := ServerModel(m, id)
				if !ok {
					t.Fatalf("no model for %s", id)
				}
				c, err := controller.New(controller.Config{Name: id.String(), Model: model})
				if err != nil {
					t.Fatal(err)
				}
				if res := c.Execute(context.Background(), g.Operation); !res.IsSuccess() {
					t.Fatalf("%s on %s: %+v", g.Operation.Name, id, res)
				}
			}
		}
	}
}

func TestResolveRestartAndReloadRequired(t *testing.T) {
	m := testModel()
	host, _ := m.Child(mgmt.KeyHost, "a")
	s2, _ := host.Child(mgmt.KeyServerConfig, "s2")
	s2.SetAttr(mgmt.ParamSocketGroup, "own")
	s3, _ := host.Child(mgmt.KeyServerConfig, "s3")
	s3.SetChild(mgmt.KeyJVM, "big", res())

	cases := []struct {
		name    string
		op      mgmt.Operation
		derived string
		servers string
	}{
		{"group jvm", op(mgmt.OpWriteAttribute, "/server-group=main/jvm=default", mgmt.ParamName, "heap-size", mgmt.ParamValue, "1g"), mgmt.OpRequireRestart, "[s1 s2]"},
		{"host jvm referenced by a server", op(mgmt.OpWriteAttribute, "/host=a/jvm=big", mgmt.ParamName, "heap-size", mgmt.ParamValue, "2g"), mgmt.OpRequireRestart, "[s3]"},
		{"server jvm", op(mgmt.OpAdd, "/host=a/server-config=s1/jvm=default"), mgmt.OpRequireRestart, "[s1]"},
		{"group profile", op(mgmt.OpWriteAttribute, "/server-group=main", mgmt.ParamName, mgmt.ParamProfile, mgmt.ParamValue, "other"), mgmt.OpRequireReload, "[s1 s2]"},
		{"group socket binding group", op(mgmt.OpWriteAttribute, "/server-group=main", mgmt.ParamName, mgmt.ParamSocketGroup, mgmt.ParamValue, "alt"), mgmt.OpRequireReload, "[s1]"},
		{"server port offset", op(mgmt.OpWriteAttribute, "/host=a/server-config=s3", mgmt.ParamName, mgmt.ParamPortOffset, mgmt.ParamValue, "100"), mgmt.OpRequireReload, "[s3]"},
	}
	r := New(controller.DefaultRegistry())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, derived := only(t, r.Resolve(tc.op, m, "a", mgmt.Success(nil)))
			if got != tc.servers {
				t.Fatalf("servers = %s, want %s", got, tc.servers)
			}
			if derived.Name != tc.derived || !derived.Address.IsRoot() {
				t.Fatalf("unexpected derived operation %+v", derived)
			}
		})
	}
	if got := r.Resolve(op(mgmt.OpAdd, "/host=a/jvm=unused"), m, "a", mgmt.Success(nil)); len(got) != 0 {
		t.Fatalf("unreferenced host jvm should not touch servers: %+v", got)
	}
}

func TestResolveReplaceDeployment(t *testing.T) {
	m := testModel()
	m.SetChild(mgmt.KeyDeployment, "app2.war", res(controller.AttrRuntimeName, "app.war", controller.AttrHash, "h2"))
	o := op(mgmt.OpReplaceDeployment, "/server-group=main", mgmt.ParamName, "app2.war", mgmt.ParamToReplace, "app.war")
	got, derived := only(t, New(controller.DefaultRegistry()).Resolve(o, m, "a", mgmt.Success(nil)))
	if got != "[s1 s2]" {
		t.Fatalf("servers = %s", got)
	}
	if !derived.Address.IsRoot() || derived.Name != mgmt.OpReplaceDeployment {
		t.Fatalf("unexpected derived operation %+v", derived)
	}
	if derived.Param(mgmt.ParamToReplace) != "app.war" || derived.Param(mgmt.ParamRuntimeName) != "app.war" {
		t.Fatalf("unexpected params %+v", derived.Params)
	}
	if len(derived.Content) != 1 || derived.Content[0].Hash != "h2" {
		t.Fatalf("content hash missing: %+v", derived.Content)
	}

	s1, _ := ServerModel(m, mgmt.ServerID("a", "main", "s1"))
	c, err := controller.New(controller.Config{Name: "s1", Model: s1})
	if err != nil {
		t.Fatal(err)
	}
	if res := c.Execute(context.Background(), derived); !res.IsSuccess() {
		t.Fatalf("server rejected replace: %+v", res)
	}
	dep, ok := c.Snapshot().Child(mgmt.KeyDeployment, "app2.war")
	if !ok || dep.Attributes[controller.AttrHash] != "h2" {
		t.Fatalf("server deployment not replaced: %+v", dep)
	}
}

func TestResolveServerGroupDeploymentIsEnriched(t *testing.T) {
	groups := resolve(t, op(mgmt.OpAdd, "/server-group=main/deployment=app.war", mgmt.ParamEnabled, "true"))
	if len(groups) != 1 || servers(groups[0]) != "[s1 s2]" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	derived := groups[0].Operation
	if derived.Address.String() != "/deployment=app.war" {
		t.Fatalf("unexpected address %s", derived.Address)
	}
	if derived.Param(mgmt.ParamRuntimeName) != "app-rt.war" || len(derived.Content) != 1 || derived.Content[0].Hash != "h1" {
		t.Fatalf("deployment not enriched: %+v", derived)
	}
}

func TestResolveFullReplaceTargetsReferencingGroups(t *testing.T) {
	o := op(mgmt.OpFullReplaceDeployment, "/", mgmt.ParamName, "app.war")
	o.Content = []mgmt.ContentItem{{Hash: "h2"}}
	groups := resolve(t, o)
	if len(groups) != 1 || servers(groups[0]) != "[s1 s2]" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups[0].Operation.Content[0].Hash != "h2" {
		t.Fatalf("content hash lost")
	}
}

func TestResolveHostLevel(t *testing.T) {
	groups := resolve(t, op(mgmt.OpAdd, "/host=a/server-config=s1/system-property=x", mgmt.ParamValue, "1"))
	if len(groups) != 1 || servers(groups[0]) != "[s1]" || groups[0].Operation.Address.String() != "/system-property=x" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	groups = resolve(t, op(mgmt.OpAdd, "/host=a/system-property=over", mgmt.ParamValue, "1"))
	if len(groups) != 1 || servers(groups[0]) != "[s1 s3]" {
		t.Fatalf("unexpected host property groups %+v", groups)
	}
}

func TestResolveCompositeMergesPerServer(t *testing.T) {
	groups := resolve(t, mgmt.Composite(
		op(mgmt.OpAdd, "/extension=org.foo"),
		op(mgmt.OpWriteAttribute, "/socket-binding-group=alt/socket-binding=http", mgmt.ParamName, "port", mgmt.ParamValue, "8081"),
		op(mgmt.OpReadResource, "/"),
	))
	if len(groups) != 2 {
		t.Fatalf("expected two groups, got %+v", groups)
	}
	byServers := map[string]mgmt.Operation{}
	for _, g := range groups {
		byServers[servers(g)] = g.Operation
	}
	if o, ok := byServers["[s1 s2]"]; !ok || o.IsComposite() || o.Name != mgmt.OpAdd {
		t.Fatalf("s1 s2 should run the extension add alone: %+v", byServers)
	}
	if o, ok := byServers["[s3]"]; !ok || !o.IsComposite() || len(o.Steps) != 2 {
		t.Fatalf("s3 should run a two-step composite: %+v", byServers)
	}
}

func TestServerAppearsInOneGroup(t *testing.T) {
	groups := resolve(t, mgmt.Composite(
		op(mgmt.OpAdd, "/profile=full/subsystem=a"),
		op(mgmt.OpAdd, "/profile=other/subsystem=b"),
		op(mgmt.OpAdd, "/system-property=fresh"),
	))
	seen := map[mgmt.ParticipantID]bool{}
	for _, g := range groups {
		for _, id := range g.Servers {
			if seen[id] {
				t.Fatalf("server %s appears twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected three servers, got %v", seen)
	}
}

func TestRunningServersSkipsAutoStartFalse(t *testing.T) {
	ids := RunningServers(testModel(), "a")
	if len(ids) != 3 {
		t.Fatalf("expected three running servers, got %v", ids)
	}
	for _, id := range ids {
		if id.Server == "s4" {
			t.Fatalf("s4 has auto-start=false")
		}
	}
	if ids[0] != mgmt.ServerID("a", "main", "s1") {
		t.Fatalf("unexpected id %v", ids[0])
	}
}

func TestServerModel(t *testing.T) {
	m := testModel()
	base, _ := m.Child(mgmt.KeyProfile, "base")
	base.SetChild(mgmt.KeySubsystem, "logging", res("level", "INFO"))
	full, _ := m.Child(mgmt.KeyProfile, "full")
	full.SetChild(mgmt.KeySubsystem, "web", res())
	m.SetChild(mgmt.KeySocketBindingGroup, "std", res("port-offset", "0"))

	s1, ok := ServerModel(m, mgmt.ServerID("a", "main", "s1"))
	if !ok {
		t.Fatalf("s1 model missing")
	}
	for _, name := range []string{"logging", "web"} {
		if _, ok := s1.Child(mgmt.KeySubsystem, name); !ok {
			t.Fatalf("s1 lacks subsystem %s", name)
		}
	}
	if _, ok := s1.Child(mgmt.KeySocketBindingGroup, "std"); !ok {
		t.Fatalf("s1 lacks its socket binding group")
	}
	dep, ok := s1.Child(mgmt.KeyDeployment, "app.war")
	if !ok {
		t.Fatalf("s1 lacks group deployment")
	}
	if v, _ := dep.Attr(controller.AttrRuntimeName); v != "app-rt.war" {
		t.Fatalf("runtime-name = %q", v)
	}
	if v, _ := dep.Attr(controller.AttrHash); v != "h1" {
		t.Fatalf("hash = %q", v)
	}
	prop, _ := s1.Child(mgmt.KeySystemProperty, "over")
	if v, _ := prop.Attr(mgmt.ParamValue); v != "domain" {
		t.Fatalf("s1 over = %q, want domain", v)
	}

	s2, _ := ServerModel(m, mgmt.ServerID("a", "main", "s2"))
	prop, _ = s2.Child(mgmt.KeySystemProperty, "over")
	if v, _ := prop.Attr(mgmt.ParamValue); v != "server" {
		t.Fatalf("s2 over = %q, want server", v)
	}

	s3, _ := ServerModel(m, mgmt.ServerID("a", "backup", "s3"))
	if _, ok := s3.Child(mgmt.KeySubsystem, "logging"); ok {
		t.Fatalf("s3 uses profile other and must not see base subsystems")
	}

	if _, ok := ServerModel(m, mgmt.ServerID("a", "main", "s9")); ok {
		t.Fatalf("unknown server should not build")
	}
	if _, ok := ServerModel(m, mgmt.ServerID("a", "backup", "s1")); ok {
		t.Fatalf("group mismatch should not build")
	}
	if _, ok := ServerModel(m, mgmt.ServerID("z", "main", "s1")); ok {
		t.Fatalf("unknown host should not build")
	}
}
