package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/domainctl"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("DOMAINCTL_CONFIG", "")
	stdout, _, err := executeRootCommand(t, nil, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if want := "domainctl " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdoutRoundTrips(t *testing.T) {
	stdout, _, err := executeRootCommand(t, nil, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if got.Listen != domainctl.DefaultListen || got.Store != domainctl.DefaultStore {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.PoolSize < got.FanoutWidth {
		t.Fatalf("generated pool size %d below fanout width %d", got.PoolSize, got.FanoutWidth)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, nil, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, nil, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, nil, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestReadOperationFormats(t *testing.T) {
	op, err := readOperation(strings.NewReader(`{"operation":"add","address":"/system-property=env","params":{"value":"prod"}}`), "-")
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if op.Name != mgmt.OpAdd || op.Address.String() != "/system-property=env" || op.Param(mgmt.ParamValue) != "prod" {
		t.Fatalf("unexpected json operation: %+v", op)
	}

	path := filepath.Join(t.TempDir(), "op.yaml")
	doc := "operation: write-attribute\naddress: /server-group=main\nparams:\n  name: profile\n  value: full\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	op, err = readOperation(nil, path)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if op.Name != mgmt.OpWriteAttribute || op.Param(mgmt.ParamName) != "profile" {
		t.Fatalf("unexpected yaml operation: %+v", op)
	}

	if _, err := readOperation(strings.NewReader("  "), "-"); err == nil {
		t.Fatal("expected empty input error")
	}
	if _, err := readOperation(strings.NewReader(`{"address":"/"}`), "-"); err == nil {
		t.Fatal("expected missing name error")
	}
}

func TestExecAndHostsAgainstServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv, stop, err := domainctl.StartServer(ctx, domainctl.Config{Host: "primary", Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer stop(context.Background())
	endpoint := "http://" + srv.ListenerAddr().String()

	attachment := filepath.Join(t.TempDir(), "app.war")
	if err := os.WriteFile(attachment, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
	op := `{"operation":"add","address":"/deployment=app.war","content":[{"input-stream-index":0}]}`
	stdout, _, err := executeRootCommand(t, strings.NewReader(op), "exec", "-", "--server", endpoint, "--attach", attachment)
	if err != nil {
		t.Fatalf("exec: %v (%s)", err, stdout)
	}
	var res mgmt.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	if _, ok := srv.HostModel().Child(mgmt.KeyDeployment, "app.war"); !ok {
		t.Fatal("deployment not added")
	}

	// A duplicate add fails and is reported as an error.
	_, _, err = executeRootCommand(t, strings.NewReader(`{"operation":"add","address":"/deployment=app.war"}`), "exec", "--server", endpoint)
	if err == nil || !strings.Contains(err.Error(), "operation failed") {
		t.Fatalf("expected failure, got %v", err)
	}

	stdout, _, err = executeRootCommand(t, nil, "hosts", "--server", endpoint)
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if !strings.Contains(stdout, "primary") || !strings.Contains(stdout, "master,local") {
		t.Fatalf("unexpected hosts output:\n%s", stdout)
	}
}

func TestServeRequiresHost(t *testing.T) {
	t.Setenv("DOMAINCTL_CONFIG_DIR", t.TempDir())
	_, _, err := executeRootCommand(t, nil, "--listen", "127.0.0.1:0")
	if err == nil || !strings.Contains(err.Error(), "host is required") {
		t.Fatalf("expected missing host error, got %v", err)
	}
}

func TestRootFlagsAcceptUnderscores(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	flag := root.Flags().Lookup("pool_size")
	if flag == nil || flag.Name != "pool-size" {
		t.Fatalf("expected pool_size to resolve to pool-size, got %#v", flag)
	}
}
