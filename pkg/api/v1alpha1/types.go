package v1alpha1

import (
	"maps"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/vaheed/novaspace/pkg/types"
)

var (
	GroupVersion = schema.GroupVersion{Group: "novaspace.io", Version: "v1alpha1"}
)

// CertSpec mirrors types.CertSpec on the wire.
type CertSpec struct {
	Provider   string `json:"provider"`
	SecretName string `json:"secretName"`
}

// EndpointSpec declares one endpoint of an address space.
type EndpointSpec struct {
	Name        string    `json:"name"`
	Service     string    `json:"service"`
	ServicePort string    `json:"servicePort,omitempty"`
	Cert        *CertSpec `json:"cert,omitempty"`
}

// AddressSpaceSpec defines the desired messaging environment.
type AddressSpaceSpec struct {
	Type      string         `json:"type"`
	Plan      string         `json:"plan"`
	Endpoints []EndpointSpec `json:"endpoints,omitempty"`
}

func (s AddressSpaceSpec) DeepCopy() AddressSpaceSpec {
	out := s
	if s.Endpoints != nil {
		out.Endpoints = make([]EndpointSpec, len(s.Endpoints))
		for i, ep := range s.Endpoints {
			out.Endpoints[i] = ep
			if ep.Cert != nil {
				c := *ep.Cert
				out.Endpoints[i].Cert = &c
			}
		}
	}
	return out
}

// EndpointStatus is the observed state of one endpoint.
type EndpointStatus struct {
	Name         string `json:"name"`
	CertReady    bool   `json:"certReady"`
	ServiceReady bool   `json:"serviceReady"`
	Message      string `json:"message,omitempty"`
}

// AddressSpaceStatus is written back by the controller after every cycle.
type AddressSpaceStatus struct {
	Phase              string             `json:"phase,omitempty"`
	IsReady            bool               `json:"isReady"`
	Messages           []string           `json:"messages,omitempty"`
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	Endpoints          []EndpointStatus   `json:"endpoints,omitempty"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
}

func (s AddressSpaceStatus) DeepCopy() AddressSpaceStatus {
	out := s
	if s.Messages != nil {
		out.Messages = append([]string{}, s.Messages...)
	}
	if s.Endpoints != nil {
		out.Endpoints = append([]EndpointStatus{}, s.Endpoints...)
	}
	if s.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(s.Conditions))
		for i := range s.Conditions {
			s.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
	return out
}

// AddressSpace is the desired-state record for one tenant.
type AddressSpace struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AddressSpaceSpec   `json:"spec,omitempty"`
	Status AddressSpaceStatus `json:"status,omitempty"`
}

func (in *AddressSpace) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec.DeepCopy()
	out.Status = in.Status.DeepCopy()
	return &out
}

// ToDomain converts the resource into the value the engine consumes.
// The namespace binding defaults to the resource name when no annotation is set.
func (in *AddressSpace) ToDomain() types.AddressSpace {
	annotations := maps.Clone(in.Annotations)
	if annotations == nil {
		annotations = map[string]string{}
	}
	if annotations[types.AnnotationNamespace] == "" {
		annotations[types.AnnotationNamespace] = in.Name
	}
	out := types.AddressSpace{
		Name:        in.Name,
		Type:        in.Spec.Type,
		Plan:        in.Spec.Plan,
		Annotations: annotations,
		Generation:  in.Generation,
	}
	for _, ep := range in.Spec.Endpoints {
		e := types.EndpointSpec{Name: ep.Name, Service: ep.Service, ServicePort: ep.ServicePort}
		if ep.Cert != nil {
			e.Cert = &types.CertSpec{Provider: ep.Cert.Provider, SecretName: ep.Cert.SecretName}
		}
		out.Endpoints = append(out.Endpoints, e)
	}
	return out
}

// AddressSpaceList contains a list of address spaces.
type AddressSpaceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AddressSpace `json:"items"`
}

func (in *AddressSpaceList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ListMeta = in.ListMeta
	if in.Items != nil {
		out.Items = make([]AddressSpace, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopyObject().(*AddressSpace)
		}
	}
	return &out
}

// AddToScheme registers the address space API types.
func AddToScheme(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&AddressSpace{}, &AddressSpaceList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}
