package kube

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"

	"github.com/vaheed/novaspace/internal/cluster"
)

// Memory is an in-memory Resource Client for tests and dry runs.
// Deleting a namespace removes everything in it, like the real API server.
type Memory struct {
	mu         sync.Mutex
	controller string
	templates  *Templates
	namespaces map[string]*corev1.Namespace
	objects    map[string]map[string]client.Object // namespace -> kind/name

	creates int
	deletes int

	// FailCreate is consulted before every create; a non-nil error fails it.
	FailCreate func(kind string, obj client.Object) error
	// FailDelete is consulted before every object delete.
	FailDelete func(kind string, obj client.Object) error
	// FailSecretPut is consulted before every secret write.
	FailSecretPut func(namespace, name string) error
	// ReadyOnCreate marks deployments as fully available when created.
	ReadyOnCreate bool
	// Latency delays every call that touches the namespace.
	Latency map[string]time.Duration
}

// NewMemory returns an empty in-memory cluster.
func NewMemory(controller string, templates *Templates) *Memory {
	if templates == nil {
		templates = NewTemplates(nil)
	}
	return &Memory{
		controller: controller,
		templates:  templates,
		namespaces: map[string]*corev1.Namespace{},
		objects:    map[string]map[string]client.Object{},
		Latency:    map[string]time.Duration{},
	}
}

// Creates is the number of create calls issued so far.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Deletes is the number of delete calls issued so far.
func (m *Memory) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

func (m *Memory) wait(ctx context.Context, namespace string) error {
	m.mu.Lock()
	d := m.Latency[namespace]
	m.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func kindOf(obj client.Object) (string, error) {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u.GetKind(), nil
	}
	gvk, err := apiutil.GVKForObject(obj, scheme.Scheme)
	if err != nil {
		return "", err
	}
	return gvk.Kind, nil
}

func notFound(resource, name string) error {
	return apierrors.NewNotFound(schema.GroupResource{Resource: resource}, name)
}

func (m *Memory) ListClusters(ctx context.Context) ([]cluster.DestinationCluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel := map[string]string{cluster.LabelManagedBy: cluster.ManagedByValue}
	if m.controller != "" {
		sel[cluster.LabelController] = m.controller
	}
	namespaces, err := m.ListNamespaces(ctx, sel)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cluster.DestinationCluster
	for _, ns := range namespaces {
		id := ns.Labels[cluster.LabelInstance]
		if id == "" {
			continue
		}
		var resources, stale []cluster.Resource
		for key, obj := range m.objects[ns.Name] {
			labels := obj.GetLabels()
			kind, _, _ := strings.Cut(key, "/")
			r := cluster.Resource{Kind: kind, Object: obj.DeepCopyObject().(client.Object)}
			switch {
			case labels[cluster.LabelInstance] == id:
				resources = append(resources, r)
			case labels[cluster.LabelInstance] != "" && hasLabels(labels, sel):
				stale = append(stale, r)
			}
		}
		c := cluster.NewDestinationCluster(id, ns.Name, ns.DeletionTimestamp != nil, resources)
		sort.Slice(stale, func(i, j int) bool { return stale[i].Key() < stale[j].Key() })
		c.Stale = stale
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, objs ...client.Object) error {
	for _, obj := range objs {
		if err := m.wait(ctx, obj.GetNamespace()); err != nil {
			return err
		}
		kind, err := kindOf(obj)
		if err != nil {
			return err
		}
		if err := m.createObject(kind, obj); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) createObject(kind string, obj client.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.FailCreate != nil {
		if err := m.FailCreate(kind, obj); err != nil {
			return err
		}
	}
	ns := obj.GetNamespace()
	if _, ok := m.namespaces[ns]; !ok {
		return notFound("namespaces", ns)
	}
	if m.objects[ns] == nil {
		m.objects[ns] = map[string]client.Object{}
	}
	key := cluster.ResourceKey(kind, obj.GetName())
	if existing, ok := m.objects[ns][key]; ok {
		// adopt, as the real client does
		labels := existing.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}
		maps.Copy(labels, obj.GetLabels())
		existing.SetLabels(labels)
		return nil
	}
	stored := obj.DeepCopyObject().(client.Object)
	if m.ReadyOnCreate && kind == "Deployment" {
		markAvailable(stored)
	}
	m.objects[ns][key] = stored
	return nil
}

func markAvailable(obj client.Object) {
	switch o := obj.(type) {
	case *unstructured.Unstructured:
		replicas, found, _ := unstructured.NestedInt64(o.Object, "spec", "replicas")
		if !found {
			replicas = 1
		}
		_ = unstructured.SetNestedField(o.Object, replicas, "status", "availableReplicas")
	case *appsv1.Deployment:
		replicas := int32(1)
		if o.Spec.Replicas != nil {
			replicas = *o.Spec.Replicas
		}
		o.Status.AvailableReplicas = replicas
	}
}

// MarkDeploymentsReady makes every deployment in namespace report full availability.
func (m *Memory) MarkDeploymentsReady(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, obj := range m.objects[namespace] {
		if strings.HasPrefix(key, "Deployment/") {
			markAvailable(obj)
		}
	}
}

func (m *Memory) Delete(ctx context.Context, objs ...client.Object) error {
	var firstErr error
	for _, obj := range objs {
		if err := m.wait(ctx, obj.GetNamespace()); err != nil {
			return err
		}
		kind, err := kindOf(obj)
		if err != nil {
			return err
		}
		if err := m.deleteObject(kind, obj); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Memory) deleteObject(kind string, obj client.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.FailDelete != nil {
		if err := m.FailDelete(kind, obj); err != nil {
			return err
		}
	}
	delete(m.objects[obj.GetNamespace()], cluster.ResourceKey(kind, obj.GetName()))
	return nil
}

func (m *Memory) CreateNamespace(ctx context.Context, id, namespace string) (*corev1.Namespace, error) {
	if err := m.wait(ctx, namespace); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	labels := cluster.OwnedLabels(m.controller, id)
	if ns, ok := m.namespaces[namespace]; ok {
		if ns.Labels[cluster.LabelManagedBy] != cluster.ManagedByValue {
			return nil, fmt.Errorf("%s: %w", namespace, ErrNamespaceNotManaged)
		}
		maps.Copy(ns.Labels, labels)
		return ns.DeepCopy(), nil
	}
	m.creates++
	if m.FailCreate != nil {
		target := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
		if err := m.FailCreate("Namespace", target); err != nil {
			return nil, err
		}
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace, Labels: labels}}
	m.namespaces[namespace] = ns
	return ns.DeepCopy(), nil
}

// AddNamespace registers a namespace as-is, for seeding foreign or pre-existing namespaces.
func (m *Memory) AddNamespace(ns *corev1.Namespace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[ns.Name] = ns.DeepCopy()
}

func (m *Memory) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := m.wait(ctx, namespace); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.FailDelete != nil {
		target := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
		if err := m.FailDelete("Namespace", target); err != nil {
			return err
		}
	}
	delete(m.namespaces, namespace)
	delete(m.objects, namespace)
	return nil
}

// HasNamespace reports whether the namespace exists.
func (m *Memory) HasNamespace(namespace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.namespaces[namespace]
	return ok
}

// Objects returns the kind/name keys stored in namespace, sorted.
func (m *Memory) Objects(namespace string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.objects[namespace] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) ListNamespaces(ctx context.Context, labels map[string]string) ([]corev1.Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []corev1.Namespace
	for _, ns := range m.namespaces {
		if hasLabels(ns.Labels, labels) {
			out = append(out, *ns.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) AddDefaultAccessPolicy(ctx context.Context, id, namespace string) error {
	rb := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DefaultAccessPolicyName,
			Namespace: namespace,
			Labels:    cluster.OwnedLabels(m.controller, id),
		},
		Subjects: []rbacv1.Subject{{Kind: "Group", APIGroup: "rbac.authorization.k8s.io", Name: "system:serviceaccounts:" + namespace}},
		RoleRef:  rbacv1.RoleRef{APIGroup: "rbac.authorization.k8s.io", Kind: "ClusterRole", Name: "view"},
	}
	return m.Create(ctx, rb)
}

func (m *Memory) HasService(ctx context.Context, namespace, name string) (bool, error) {
	if err := m.wait(ctx, namespace); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[namespace][cluster.ResourceKey("Service", name)]
	return ok, nil
}

func (m *Memory) ReadyDeployments(ctx context.Context, namespace string) ([]appsv1.Deployment, error) {
	if err := m.wait(ctx, namespace); err != nil {
		return nil, err
	}
	m.mu.Lock()
	snapshot := cluster.DestinationCluster{Namespace: namespace}
	for key, obj := range m.objects[namespace] {
		if strings.HasPrefix(key, "Deployment/") {
			snapshot.Resources = append(snapshot.Resources, cluster.Resource{Kind: "Deployment", Object: obj.DeepCopyObject().(client.Object)})
		}
	}
	m.mu.Unlock()
	deps, err := snapshot.Deployments()
	if err != nil {
		return nil, err
	}
	var out []appsv1.Deployment
	for i := range deps {
		if cluster.DeploymentReady(&deps[i]) {
			out = append(out, deps[i])
		}
	}
	return out, nil
}

func (m *Memory) ProcessTemplate(_ context.Context, name string, params map[string]string) ([]client.Object, error) {
	return m.templates.Process(name, params)
}

func (m *Memory) GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	if err := m.wait(ctx, namespace); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[namespace][cluster.ResourceKey("Secret", name)]
	if !ok {
		return nil, notFound("secrets", name)
	}
	s, err := asSecret(obj)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(s.Data))
	for k, v := range s.Data {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) PutSecret(ctx context.Context, namespace, name string, data map[string][]byte, labels map[string]string) error {
	if err := m.wait(ctx, namespace); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSecretPut != nil {
		if err := m.FailSecretPut(namespace, name); err != nil {
			return err
		}
	}
	if _, ok := m.namespaces[namespace]; !ok {
		return notFound("namespaces", namespace)
	}
	if m.objects[namespace] == nil {
		m.objects[namespace] = map[string]client.Object{}
	}
	key := cluster.ResourceKey("Secret", name)
	copied := make(map[string][]byte, len(data))
	for k, v := range data {
		copied[k] = append([]byte(nil), v...)
	}
	if obj, ok := m.objects[namespace][key]; ok {
		s, err := asSecret(obj)
		if err != nil {
			return err
		}
		if sameData(s.Data, copied) && hasLabels(s.Labels, labels) {
			return nil
		}
		if s.Labels == nil {
			s.Labels = map[string]string{}
		}
		maps.Copy(s.Labels, labels)
		s.Data = copied
		m.objects[namespace][key] = s
		return nil
	}
	m.creates++
	m.objects[namespace][key] = &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: maps.Clone(labels)},
		Type:       corev1.SecretTypeTLS,
		Data:       copied,
	}
	return nil
}

// SeedSecret stores a secret without counting it as a create.
// The namespace is created unmanaged when missing.
func (m *Memory) SeedSecret(namespace, name string, data map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
	}
	if m.objects[namespace] == nil {
		m.objects[namespace] = map[string]client.Object{}
	}
	m.objects[namespace][cluster.ResourceKey("Secret", name)] = &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       data,
	}
}

func asSecret(obj client.Object) (*corev1.Secret, error) {
	switch o := obj.(type) {
	case *corev1.Secret:
		return o, nil
	case *unstructured.Unstructured:
		var s corev1.Secret
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(o.Object, &s); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("unexpected secret type %T", obj)
	}
}

func (m *Memory) DeleteSecret(ctx context.Context, namespace, name string) error {
	if err := m.wait(ctx, namespace); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects[namespace], cluster.ResourceKey("Secret", name))
	return nil
}

var _ Interface = (*Memory)(nil)
