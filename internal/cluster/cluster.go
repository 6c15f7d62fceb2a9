package cluster

import (
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Resource is one live object owned by a destination cluster.
type Resource struct {
	Kind   string
	Object client.Object
}

// Key identifies the resource inside its namespace.
func (r Resource) Key() string {
	return ResourceKey(r.Kind, r.Object.GetName())
}

// ResourceKey builds the kind/name key used to match rendered and live objects.
func ResourceKey(kind, name string) string {
	return kind + "/" + name
}

// DestinationCluster is the live set of resources backing one address space.
// It is built fresh from a listing every cycle and never mutated afterwards.
type DestinationCluster struct {
	ID        string
	Namespace string
	// Terminating is set when the namespace already has a deletion timestamp.
	Terminating bool
	Resources   []Resource
	// Stale holds managed objects in the namespace that still carry another
	// instance label, left behind when a different space took the namespace over.
	Stale []Resource
}

// NewDestinationCluster builds a snapshot with resources sorted by key.
func NewDestinationCluster(id, namespace string, terminating bool, resources []Resource) DestinationCluster {
	rs := append([]Resource(nil), resources...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key() < rs[j].Key() })
	return DestinationCluster{ID: id, Namespace: namespace, Terminating: terminating, Resources: rs}
}

// StaleByInstance groups the stale objects by the instance id they carry.
func (c DestinationCluster) StaleByInstance() map[string][]Resource {
	out := map[string][]Resource{}
	for _, r := range c.Stale {
		id := r.Object.GetLabels()[LabelInstance]
		out[id] = append(out[id], r)
	}
	return out
}

// Has reports whether an object with the given kind and name is owned.
func (c DestinationCluster) Has(kind, name string) bool {
	key := ResourceKey(kind, name)
	for _, r := range c.Resources {
		if r.Key() == key {
			return true
		}
	}
	return false
}

// Deployments returns the owned deployments, decoding unstructured ones.
func (c DestinationCluster) Deployments() ([]appsv1.Deployment, error) {
	var out []appsv1.Deployment
	for _, r := range c.Resources {
		if r.Kind != "Deployment" {
			continue
		}
		switch o := r.Object.(type) {
		case *appsv1.Deployment:
			out = append(out, *o)
		case *unstructured.Unstructured:
			var d appsv1.Deployment
			if err := runtime.DefaultUnstructuredConverter.FromUnstructured(o.Object, &d); err != nil {
				return nil, fmt.Errorf("decode deployment %s: %w", o.GetName(), err)
			}
			out = append(out, d)
		default:
			return nil, fmt.Errorf("unexpected deployment type %T", r.Object)
		}
	}
	return out, nil
}

// Ready reports whether every owned deployment has its desired replicas available.
// A cluster without deployments is trivially ready.
func (c DestinationCluster) Ready() bool {
	deps, err := c.Deployments()
	if err != nil {
		return false
	}
	for i := range deps {
		if !DeploymentReady(&deps[i]) {
			return false
		}
	}
	return true
}

// DeploymentReady reports whether the deployment has its desired replica count available.
func DeploymentReady(d *appsv1.Deployment) bool {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	return d.Status.AvailableReplicas >= desired
}
