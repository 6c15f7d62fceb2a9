package reconcile

import (
	"context"

	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/vaheed/novaspace/internal/logging"
	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
)

// AddressSpaceWatcher turns AddressSpace spec changes into loop triggers.
// The whole desired set is reconciled per cycle, so the request itself is
// only logged.
type AddressSpaceWatcher struct {
	Loop *Loop
}

func (w *AddressSpaceWatcher) Reconcile(_ context.Context, req ctrl.Request) (ctrl.Result, error) {
	logging.L.Debug("addressspace_changed", zap.String("name", req.Name), zap.String("namespace", req.Namespace))
	w.Loop.Trigger()
	return ctrl.Result{}, nil
}

func (w *AddressSpaceWatcher) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("addressspace").
		For(&v1alpha1.AddressSpace{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Complete(w)
}
