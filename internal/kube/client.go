package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/metrics"
)

// OwnedKinds are listed in every managed namespace to build cluster snapshots.
var OwnedKinds = []schema.GroupVersionKind{
	{Group: "apps", Version: "v1", Kind: "Deployment"},
	{Group: "apps", Version: "v1", Kind: "StatefulSet"},
	{Version: "v1", Kind: "Service"},
	{Version: "v1", Kind: "ConfigMap"},
	{Version: "v1", Kind: "Secret"},
	{Version: "v1", Kind: "ServiceAccount"},
	{Version: "v1", Kind: "PersistentVolumeClaim"},
	{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "RoleBinding"},
	{Group: "networking.k8s.io", Version: "v1", Kind: "NetworkPolicy"},
}

// Client is the Resource Client backed by a controller-runtime client.
type Client struct {
	c          client.Client
	controller string
	templates  *Templates
	// AccessRole is the ClusterRole bound by the default access policy.
	AccessRole string
}

// NewClient wires a Resource Client. controller scopes listings to objects
// created by this controller instance; empty means unscoped.
func NewClient(c client.Client, controller string, templates *Templates) *Client {
	if templates == nil {
		templates = NewTemplates(nil)
	}
	return &Client{c: c, controller: controller, templates: templates, AccessRole: "view"}
}

func (k *Client) managedSelector() client.MatchingLabels {
	sel := client.MatchingLabels{cluster.LabelManagedBy: cluster.ManagedByValue}
	if k.controller != "" {
		sel[cluster.LabelController] = k.controller
	}
	return sel
}

// owns reports whether labels mark an object as created by this controller.
func (k *Client) owns(labels map[string]string) bool {
	return hasLabels(labels, k.managedSelector())
}

// ListClusters builds one snapshot per managed namespace. Objects labelled for
// an instance other than the namespace's current one are reported as stale.
func (k *Client) ListClusters(ctx context.Context) ([]cluster.DestinationCluster, error) {
	namespaces, err := k.ListNamespaces(ctx, k.managedSelector())
	if err != nil {
		return nil, err
	}
	out := make([]cluster.DestinationCluster, 0, len(namespaces))
	for _, ns := range namespaces {
		id := ns.Labels[cluster.LabelInstance]
		if id == "" {
			continue
		}
		var resources, stale []cluster.Resource
		for _, gvk := range OwnedKinds {
			list := &unstructured.UnstructuredList{}
			list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
			if err := k.c.List(ctx, list, client.InNamespace(ns.Name), client.HasLabels{cluster.LabelInstance}); err != nil {
				return nil, fmt.Errorf("list %s in %s: %w", gvk.Kind, ns.Name, err)
			}
			for i := range list.Items {
				item := list.Items[i]
				r := cluster.Resource{Kind: gvk.Kind, Object: &item}
				switch {
				case item.GetLabels()[cluster.LabelInstance] == id:
					resources = append(resources, r)
				case k.owns(item.GetLabels()):
					stale = append(stale, r)
				}
			}
		}
		c := cluster.NewDestinationCluster(id, ns.Name, ns.DeletionTimestamp != nil, resources)
		c.Stale = stale
		out = append(out, c)
	}
	return out, nil
}

// Create issues a create for every object. Objects that already exist are
// adopted by re-pointing their instance label when it differs.
func (k *Client) Create(ctx context.Context, objs ...client.Object) error {
	var errs []error
	for _, obj := range objs {
		err := k.c.Create(ctx, obj)
		metrics.ObserveResourceOp("create", err)
		if apierrors.IsAlreadyExists(err) {
			err = k.adopt(ctx, obj)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s/%s: %w", obj.GetNamespace(), obj.GetName(), err))
		}
	}
	return errors.Join(errs...)
}

func (k *Client) adopt(ctx context.Context, obj client.Object) error {
	want := obj.GetLabels()[cluster.LabelInstance]
	if want == "" {
		return nil
	}
	existing, ok := obj.DeepCopyObject().(client.Object)
	if !ok {
		return fmt.Errorf("cannot copy %T", obj)
	}
	if err := k.c.Get(ctx, client.ObjectKeyFromObject(obj), existing); err != nil {
		return IgnoreNotFound(err)
	}
	if existing.GetLabels()[cluster.LabelInstance] == want {
		return nil
	}
	base, _ := existing.DeepCopyObject().(client.Object)
	labels := existing.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	maps.Copy(labels, obj.GetLabels())
	existing.SetLabels(labels)
	return k.c.Patch(ctx, existing, client.MergeFrom(base))
}

// Delete issues a delete for every object and reports all failures.
func (k *Client) Delete(ctx context.Context, objs ...client.Object) error {
	var errs []error
	for _, obj := range objs {
		err := IgnoreNotFound(k.c.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground)))
		metrics.ObserveResourceOp("delete", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", obj.GetNamespace(), obj.GetName(), err))
		}
	}
	return errors.Join(errs...)
}

// CreateNamespace ensures the namespace exists and is labelled for id.
func (k *Client) CreateNamespace(ctx context.Context, id, namespace string) (*corev1.Namespace, error) {
	labels := cluster.OwnedLabels(k.controller, id)
	ns := &corev1.Namespace{}
	err := k.c.Get(ctx, client.ObjectKey{Name: namespace}, ns)
	if apierrors.IsNotFound(err) {
		ns = &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace, Labels: labels}}
		err = k.c.Create(ctx, ns)
		metrics.ObserveResourceOp("create", err)
		if err == nil {
			return ns, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return nil, err
		}
		err = k.c.Get(ctx, client.ObjectKey{Name: namespace}, ns)
	}
	if err != nil {
		return nil, err
	}
	if ns.Labels[cluster.LabelManagedBy] != cluster.ManagedByValue {
		return nil, fmt.Errorf("%s: %w", namespace, ErrNamespaceNotManaged)
	}
	if ns.DeletionTimestamp != nil {
		return nil, fmt.Errorf("namespace %s is terminating", namespace)
	}
	if ns.Labels[cluster.LabelInstance] == id {
		return ns, nil
	}
	base := ns.DeepCopy()
	maps.Copy(ns.Labels, labels)
	if err := k.c.Patch(ctx, ns, client.MergeFrom(base)); err != nil {
		return nil, err
	}
	return ns, nil
}

// DeleteNamespace removes the namespace; a missing namespace is success.
func (k *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
	err := IgnoreNotFound(k.c.Delete(ctx, ns))
	metrics.ObserveResourceOp("delete", err)
	return err
}

// ListNamespaces returns namespaces matching every label in labels.
func (k *Client) ListNamespaces(ctx context.Context, labels map[string]string) ([]corev1.Namespace, error) {
	var list corev1.NamespaceList
	if err := k.c.List(ctx, &list, client.MatchingLabels(labels)); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// AddDefaultAccessPolicy grants the namespace's service accounts read access to it.
func (k *Client) AddDefaultAccessPolicy(ctx context.Context, id, namespace string) error {
	subjects := []rbacv1.Subject{{
		Kind:     "Group",
		APIGroup: "rbac.authorization.k8s.io",
		Name:     "system:serviceaccounts:" + namespace,
	}}
	roleRef := rbacv1.RoleRef{
		APIGroup: "rbac.authorization.k8s.io",
		Kind:     "ClusterRole",
		Name:     k.AccessRole,
	}
	rb := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DefaultAccessPolicyName,
			Namespace: namespace,
			Labels:    cluster.OwnedLabels(k.controller, id),
		},
		Subjects: subjects,
		RoleRef:  roleRef,
	}
	err := k.c.Create(ctx, rb)
	metrics.ObserveResourceOp("create", err)
	if !apierrors.IsAlreadyExists(err) {
		return err
	}
	existing := &rbacv1.RoleBinding{}
	if err := k.c.Get(ctx, client.ObjectKeyFromObject(rb), existing); err != nil {
		return err
	}
	if existing.RoleRef != roleRef {
		// roleRef is immutable; replace the binding.
		if err := k.c.Delete(ctx, existing); IgnoreNotFound(err) != nil {
			return err
		}
		return IgnoreAlreadyExists(k.c.Create(ctx, rb))
	}
	existing.Subjects = subjects
	existing.Labels = rb.Labels
	return k.c.Update(ctx, existing)
}

// HasService reports whether the named service exists.
func (k *Client) HasService(ctx context.Context, namespace, name string) (bool, error) {
	var svc corev1.Service
	err := k.c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &svc)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// ReadyDeployments lists deployments in namespace that have their desired replicas available.
func (k *Client) ReadyDeployments(ctx context.Context, namespace string) ([]appsv1.Deployment, error) {
	var list appsv1.DeploymentList
	if err := k.c.List(ctx, &list, client.InNamespace(namespace)); err != nil {
		return nil, err
	}
	var out []appsv1.Deployment
	for i := range list.Items {
		if cluster.DeploymentReady(&list.Items[i]) {
			out = append(out, list.Items[i])
		}
	}
	return out, nil
}

// ProcessTemplate expands a named template into a resource batch.
func (k *Client) ProcessTemplate(_ context.Context, name string, params map[string]string) ([]client.Object, error) {
	return k.templates.Process(name, params)
}

// GetSecret returns the data of the named secret.
func (k *Client) GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	var s corev1.Secret
	if err := k.c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &s); err != nil {
		return nil, err
	}
	return s.Data, nil
}

// PutSecret creates or replaces the secret's data in a single write.
func (k *Client) PutSecret(ctx context.Context, namespace, name string, data map[string][]byte, labels map[string]string) error {
	secret := &corev1.Secret{}
	err := k.c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, secret)
	if apierrors.IsNotFound(err) {
		secret = &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
			Type:       corev1.SecretTypeTLS,
			Data:       data,
		}
		err = k.c.Create(ctx, secret)
		metrics.ObserveResourceOp("create", err)
		return err
	}
	if err != nil {
		return err
	}
	if sameData(secret.Data, data) && hasLabels(secret.Labels, labels) {
		return nil
	}
	if secret.Labels == nil {
		secret.Labels = map[string]string{}
	}
	maps.Copy(secret.Labels, labels)
	secret.Data = data
	return k.c.Update(ctx, secret)
}

// DeleteSecret removes the secret; a missing secret is success.
func (k *Client) DeleteSecret(ctx context.Context, namespace, name string) error {
	s := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
	return IgnoreNotFound(k.c.Delete(ctx, s))
}

func sameData(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for key, val := range b {
		if !bytes.Equal(a[key], val) {
			return false
		}
	}
	return true
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

var _ Interface = (*Client)(nil)
