package types

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Phase
		want     bool
	}{
		{"", PhasePending, true},
		{PhasePending, PhaseProvisioning, true},
		{PhaseProvisioning, PhaseReady, true},
		{PhaseProvisioning, PhasePending, true},
		{PhaseReady, PhaseDeleting, true},
		{PhaseProvisioning, PhaseDeleting, true},
		{PhaseDeleting, PhaseGone, true},
		{PhasePending, PhaseReady, false},
		{PhaseGone, PhaseReady, false},
		{PhaseDeleting, PhaseReady, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCertSpecValid(t *testing.T) {
	var nilSpec *CertSpec
	if nilSpec.Valid() {
		t.Fatalf("nil cert spec must not be valid")
	}
	if (&CertSpec{Provider: "wildcard"}).Valid() {
		t.Fatalf("missing secret name must not be valid")
	}
	if !(&CertSpec{Provider: "wildcard", SecretName: "mycerts"}).Valid() {
		t.Fatalf("complete cert spec must be valid")
	}
}
