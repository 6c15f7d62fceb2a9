package reconcile

import (
	"context"
	"errors"
	"fmt"

	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
	"github.com/vaheed/novaspace/pkg/types"
)

// ConditionReady is the condition type mirrored from the space readiness.
const ConditionReady = "Ready"

// StatusWriter copies cycle results onto AddressSpace resources.
type StatusWriter struct {
	Client client.Client
	// Namespace limits the resources updated; empty means all namespaces.
	Namespace string
}

// Record updates the status of every listed AddressSpace that the cycle reported on.
// Unchanged statuses are not written.
func (w *StatusWriter) Record(ctx context.Context, res Result) error {
	var list v1alpha1.AddressSpaceList
	if err := w.Client.List(ctx, &list, client.InNamespace(w.Namespace)); err != nil {
		return fmt.Errorf("list address spaces: %w", err)
	}
	var errs []error
	for i := range list.Items {
		st, ok := res.Spaces[list.Items[i].Name]
		if !ok {
			continue
		}
		key := client.ObjectKeyFromObject(&list.Items[i])
		err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
			var latest v1alpha1.AddressSpace
			if err := w.Client.Get(ctx, key, &latest); err != nil {
				if apierrors.IsNotFound(err) {
					return nil
				}
				return err
			}
			next := statusFor(latest.Status, st)
			if apiequality.Semantic.DeepEqual(latest.Status, next) {
				return nil
			}
			latest.Status = next
			return w.Client.Status().Update(ctx, &latest)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("status %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func statusFor(prev v1alpha1.AddressSpaceStatus, st types.SpaceStatus) v1alpha1.AddressSpaceStatus {
	out := prev.DeepCopy()
	out.Phase = string(st.Phase)
	out.IsReady = st.Ready
	out.ObservedGeneration = st.Generation
	out.Messages = nil
	if st.Message != "" {
		out.Messages = []string{st.Message}
	}
	out.Endpoints = nil
	for _, ep := range st.Endpoints {
		out.Endpoints = append(out.Endpoints, v1alpha1.EndpointStatus{
			Name:         ep.Name,
			CertReady:    ep.CertReady,
			ServiceReady: ep.ServiceReady,
			Message:      ep.Message,
		})
	}
	cond := metav1.Condition{
		Type:               ConditionReady,
		Status:             metav1.ConditionFalse,
		Reason:             string(st.Phase),
		Message:            st.Message,
		ObservedGeneration: st.Generation,
	}
	if st.Ready {
		cond.Status = metav1.ConditionTrue
	}
	if st.ConfigError {
		cond.Reason = "ConfigurationError"
	}
	apimeta.SetStatusCondition(&out.Conditions, cond)
	return out
}
