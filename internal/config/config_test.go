package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestFromEnvDefaults(t *testing.T) {
	c := FromEnv()
	if c.Workers != 4 || c.Resync != 30*time.Second || c.Source != SourceCRD {
		t.Fatalf("unexpected defaults %#v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NOVASPACE_WORKERS", "8")
	t.Setenv("NOVASPACE_ITEM_TIMEOUT_SECONDS", "5")
	t.Setenv("NOVASPACE_REQUIRE_AUTH", "yes")
	t.Setenv("NOVASPACE_LEADER_ELECT", "false")
	c := FromEnv()
	if c.Workers != 8 || c.ItemTimeout != 5*time.Second || !c.RequireAuth || c.LeaderElect {
		t.Fatalf("env not applied: %#v", c)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("NOVASPACE_WORKERS", "8")
	c := FromEnv()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"--workers=2", "--source=file", "--file=spaces.yaml"}); err != nil {
		t.Fatal(err)
	}
	if c.Workers != 2 || c.Source != SourceFile || c.SourceFile != "spaces.yaml" {
		t.Fatalf("flags not applied: %#v", c)
	}
}

func TestValidate(t *testing.T) {
	c := FromEnv()
	c.Workers = 0
	c.CycleTimeout = -time.Second
	c.WildcardSecret = "a/b/c"
	c.Source = "etcd"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"workers", "cycle timeout", "wildcard secret", "unknown source"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestWildcardRef(t *testing.T) {
	c := Config{Namespace: "ctrl", WildcardSecret: "wildcard"}
	ns, name, err := c.WildcardRef()
	if err != nil || ns != "ctrl" || name != "wildcard" {
		t.Fatalf("got %s/%s %v", ns, name, err)
	}
	c.WildcardSecret = "certs/wildcard"
	ns, name, err = c.WildcardRef()
	if err != nil || ns != "certs" || name != "wildcard" {
		t.Fatalf("got %s/%s %v", ns, name, err)
	}
	c.WildcardSecret = "/x"
	if _, _, err := c.WildcardRef(); err == nil {
		t.Fatalf("expected error for %q", c.WildcardSecret)
	}
}
