package v1alpha1

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vaheed/novaspace/pkg/types"
)

func TestToDomainDefaultsNamespace(t *testing.T) {
	as := &AddressSpace{
		ObjectMeta: metav1.ObjectMeta{Name: "myspace", Generation: 3},
		Spec: AddressSpaceSpec{
			Type: "standard",
			Plan: "small",
			Endpoints: []EndpointSpec{
				{Name: "messaging", Service: "messaging", ServicePort: "amqps", Cert: &CertSpec{Provider: "wildcard", SecretName: "mycerts"}},
				{Name: "console", Service: "console"},
			},
		},
	}
	got := as.ToDomain()
	want := types.AddressSpace{
		Name:        "myspace",
		Type:        "standard",
		Plan:        "small",
		Annotations: map[string]string{types.AnnotationNamespace: "myspace"},
		Generation:  3,
		Endpoints: []types.EndpointSpec{
			{Name: "messaging", Service: "messaging", ServicePort: "amqps", Cert: &types.CertSpec{Provider: "wildcard", SecretName: "mycerts"}},
			{Name: "console", Service: "console"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToDomain mismatch (-want +got):\n%s", diff)
	}
}

func TestDeepCopyDoesNotShareCertSpec(t *testing.T) {
	as := &AddressSpace{Spec: AddressSpaceSpec{Endpoints: []EndpointSpec{{Name: "a", Cert: &CertSpec{Provider: "provided", SecretName: "s"}}}}}
	cp := as.DeepCopyObject().(*AddressSpace)
	cp.Spec.Endpoints[0].Cert.SecretName = "changed"
	if as.Spec.Endpoints[0].Cert.SecretName != "s" {
		t.Fatalf("deep copy shares cert spec")
	}
}
