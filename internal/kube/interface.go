package kube

import (
	"context"
	"errors"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/novaspace/internal/cluster"
)

// DefaultAccessPolicyName is the RoleBinding created in every address space namespace.
const DefaultAccessPolicyName = "novaspace-default-view"

// ErrNamespaceNotManaged is returned when a namespace exists but was not created by this controller.
var ErrNamespaceNotManaged = errors.New("namespace exists and is not managed by novaspace")

// SecretStore reads and writes TLS material by namespace and name.
// GetSecret returns an error satisfying apierrors.IsNotFound when the secret is absent.
type SecretStore interface {
	GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error)
	PutSecret(ctx context.Context, namespace, name string, data map[string][]byte, labels map[string]string) error
	DeleteSecret(ctx context.Context, namespace, name string) error
}

// Interface is everything the reconciliation engine needs from the cluster.
// Implementations must be safe for concurrent use. Create treats AlreadyExists
// as success and Delete treats NotFound as success.
type Interface interface {
	ListClusters(ctx context.Context) ([]cluster.DestinationCluster, error)
	Create(ctx context.Context, objs ...client.Object) error
	Delete(ctx context.Context, objs ...client.Object) error

	CreateNamespace(ctx context.Context, id, namespace string) (*corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	ListNamespaces(ctx context.Context, labels map[string]string) ([]corev1.Namespace, error)
	AddDefaultAccessPolicy(ctx context.Context, id, namespace string) error

	HasService(ctx context.Context, namespace, name string) (bool, error)
	ReadyDeployments(ctx context.Context, namespace string) ([]appsv1.Deployment, error)

	ProcessTemplate(ctx context.Context, name string, params map[string]string) ([]client.Object, error)

	SecretStore
}
