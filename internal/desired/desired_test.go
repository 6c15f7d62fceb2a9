package desired

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
	"github.com/vaheed/novaspace/pkg/types"
)

const spacesYAML = `
addressSpaces:
- name: zeta
  type: brokered
- name: myspace
  type: standard
  plan: small
  endpoints:
  - name: messaging
    service: messaging
    servicePort: amqps
    cert:
      provider: wildcard
      secretName: mycerts
---
apiVersion: novaspace.io/v1alpha1
kind: AddressSpace
metadata:
  name: crd-space
  annotations:
    novaspace.io/namespace: custom
spec:
  type: standard
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spaces.yaml")
	if err := os.WriteFile(path, []byte(spacesYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := (&File{Path: path}).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []types.AddressSpace{
		{Name: "crd-space", Type: "standard", Annotations: map[string]string{types.AnnotationNamespace: "custom"}},
		{Name: "myspace", Type: "standard", Plan: "small", Endpoints: []types.EndpointSpec{{
			Name: "messaging", Service: "messaging", ServicePort: "amqps",
			Cert: &types.CertSpec{Provider: "wildcard", SecretName: "mycerts"},
		}}},
		{Name: "zeta", Type: "brokered"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("spaces mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	if _, err := Parse([]byte("addressSpaces:\n- name: a\n- name: a\n")); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := Parse([]byte("addressSpaces:\n- type: standard\n")); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestCRDSourceSkipsDeleted(t *testing.T) {
	scheme := runtime.NewScheme()
	_ = v1alpha1.AddToScheme(scheme)
	now := metav1.Now()
	live := &v1alpha1.AddressSpace{ObjectMeta: metav1.ObjectMeta{Name: "b", Namespace: "ops"}, Spec: v1alpha1.AddressSpaceSpec{Type: "standard"}}
	other := &v1alpha1.AddressSpace{ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "ops"}}
	gone := &v1alpha1.AddressSpace{ObjectMeta: metav1.ObjectMeta{Name: "c", Namespace: "ops", DeletionTimestamp: &now, Finalizers: []string{"test"}}}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(live, other, gone).Build()

	got, err := (&CRD{Reader: c, Namespace: "ops"}).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" || got[1].Type != "standard" {
		t.Fatalf("unexpected spaces %+v", got)
	}
	if got[0].Annotation(types.AnnotationNamespace) != "a" {
		t.Fatalf("namespace binding should default to the name")
	}
}

func TestStaticSourceCopies(t *testing.T) {
	s := Static{{Name: "b"}, {Name: "a"}}
	got, _ := s.List(context.Background())
	if got[0].Name != "a" || s[0].Name != "b" {
		t.Fatalf("static source must sort a copy")
	}
}
