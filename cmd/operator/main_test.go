package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sigs.k8s.io/yaml"

	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	root.SetContext(context.Background())
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "novaspace version "+version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestReconcileOnceInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spaces.yaml")
	spaces := `addressSpaces:
- name: myspace
  type: standard
  plan: small
  endpoints:
  - name: messaging
    service: messaging
    cert:
      provider: selfsigned
      secretName: messaging-cert
`
	if err := os.WriteFile(path, []byte(spaces), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "reconcile-once", "--in-memory", "--file", path)
	if err != nil {
		t.Fatalf("reconcile-once: %v\n%s", err, out)
	}
	var res reconcile.Result
	if err := yaml.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not a result: %v\n%s", err, out)
	}
	st, ok := res.Spaces["myspace"]
	if !ok {
		t.Fatalf("myspace missing from %s", out)
	}
	// deployments never become available in memory, certificates do
	if st.Phase != types.PhaseProvisioning || len(st.Endpoints) != 1 || !st.Endpoints[0].CertReady {
		t.Fatalf("unexpected status %#v", st)
	}
	if len(res.Created) != 1 || res.Created[0] != "myspace" {
		t.Fatalf("unexpected created %v", res.Created)
	}
}

func TestReconcileOnceRequiresFile(t *testing.T) {
	if _, err := execute(t, "reconcile-once", "--in-memory"); err == nil {
		t.Fatalf("expected missing --file to fail")
	}
}
