package cluster

import (
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/vaheed/novaspace/pkg/types"
)

func TestSanitizeName(t *testing.T) {
	got := SanitizeName("My Space!!")
	if got != "my-space" {
		t.Fatalf("SanitizeName(%q) = %q", "My Space!!", got)
	}
	for _, r := range got {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			t.Fatalf("illegal rune %q in %q", r, got)
		}
	}
	if again := SanitizeName(got); again != got {
		t.Fatalf("not a fixed point: %q -> %q", got, again)
	}
}

func TestSanitizeNameEdges(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"--A__b--":       "a-b",
		"already-fine":   "already-fine",
		"Tenant.One/Two": "tenant-one-two",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
	long := ""
	for i := 0; i < 80; i++ {
		long += "a"
	}
	if got := SanitizeName(long); len(got) != 63 {
		t.Fatalf("expected truncation to 63, got %d", len(got))
	}
}

func TestNamespaceFor(t *testing.T) {
	as := types.AddressSpace{Name: "My Space"}
	if ns := NamespaceFor(as); ns != "my-space" {
		t.Fatalf("fallback namespace = %q", ns)
	}
	as.Annotations = map[string]string{types.AnnotationNamespace: "Other_NS"}
	if ns := NamespaceFor(as); ns != "other-ns" {
		t.Fatalf("annotated namespace = %q", ns)
	}
}

func replicas(n int32) *int32 { return &n }

func TestReadiness(t *testing.T) {
	ready := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "broker"},
		Spec:       appsv1.DeploymentSpec{Replicas: replicas(2)},
		Status:     appsv1.DeploymentStatus{AvailableReplicas: 2},
	}
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "messaging"}}
	c := NewDestinationCluster("a", "a", false, []Resource{{Kind: "Service", Object: svc}, {Kind: "Deployment", Object: ready}})
	if !c.Ready() {
		t.Fatalf("expected ready cluster")
	}
	if c.Resources[0].Kind != "Deployment" {
		t.Fatalf("resources not sorted: %v", c.Resources[0].Key())
	}

	pending := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": "router"},
		"spec":       map[string]any{"replicas": int64(1)},
	}}
	c = NewDestinationCluster("a", "a", false, []Resource{{Kind: "Deployment", Object: ready}, {Kind: "Deployment", Object: pending}})
	if c.Ready() {
		t.Fatalf("expected not ready while router has no available replicas")
	}
	if !c.Has("Deployment", "router") || c.Has("Service", "router") {
		t.Fatalf("Has mismatch")
	}
}

func TestEmptyClusterIsReady(t *testing.T) {
	if !NewDestinationCluster("a", "a", false, nil).Ready() {
		t.Fatalf("cluster without deployments should be ready")
	}
}
