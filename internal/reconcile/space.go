package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/novaspace/internal/certs"
	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/pkg/types"
)

// isConfigError reports failures that need an operator to fix configuration
// and will not go away by retrying.
func isConfigError(err error) bool {
	return certs.IsConfigError(err) ||
		errors.Is(err, kube.ErrNamespaceNotManaged) ||
		errors.Is(err, kube.ErrUnknownTemplate)
}

func (e *Engine) startSpan(ctx context.Context, name string, space, namespace string) (context.Context, trace.Span, *zap.Logger) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("space", space),
		attribute.String("namespace", namespace),
	))
	log := logging.FromContext(ctx).With(zap.String("space", space), zap.String("namespace", namespace))
	return logging.IntoContext(ctx, log), span, log
}

// failedPhase is the phase reported when provisioning steps fail: back to
// Pending where the state machine allows it, otherwise Provisioning.
func (e *Engine) failedPhase(name string) types.Phase {
	if types.CanTransition(e.phases[name], types.PhasePending) {
		return types.PhasePending
	}
	return types.PhaseProvisioning
}

func (e *Engine) stepFailed(span trace.Span, log *zap.Logger, st types.SpaceStatus, step string, err error) types.SpaceStatus {
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	st.Phase = e.failedPhase(st.Name)
	st.Ready = false
	st.ConfigError = isConfigError(err)
	st.Message = fmt.Sprintf("%s: %v", step, err)
	log.Warn("space_"+step+"_failed", zap.Error(err), zap.Bool("config_error", st.ConfigError))
	return st
}

// render expands the space template into labelled objects bound to namespace.
func (e *Engine) render(ctx context.Context, s types.AddressSpace, id, namespace string) ([]client.Object, error) {
	name := s.Type
	if name == "" {
		name = e.opts.Template
	}
	params := map[string]string{
		"NAME":      s.Name,
		"NAMESPACE": namespace,
		"INSTANCE":  id,
		"TYPE":      s.Type,
	}
	if s.Plan != "" {
		params["PLAN"] = s.Plan
	}
	objs, err := e.kube.ProcessTemplate(ctx, name, params)
	if err != nil {
		return nil, err
	}
	for _, o := range objs {
		o.SetNamespace(namespace)
		labels := o.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}
		for k, v := range cluster.OwnedLabels(e.opts.Controller, id) {
			labels[k] = v
		}
		o.SetLabels(labels)
	}
	return objs, nil
}

// createSpace provisions a space with no live cluster, strictly in order:
// namespace, default access policy, template objects, certificates. The
// boolean reports whether every object of the space was created.
func (e *Engine) createSpace(ctx context.Context, s types.AddressSpace) (types.SpaceStatus, bool) {
	id, ns := cluster.InstanceID(s), cluster.NamespaceFor(s)
	ctx, span, log := e.startSpan(ctx, "reconcile.create", s.Name, ns)
	defer span.End()
	st := types.SpaceStatus{Name: s.Name, Namespace: ns, Phase: types.PhaseProvisioning, Generation: s.Generation}

	if _, err := e.kube.CreateNamespace(ctx, id, ns); err != nil {
		return e.stepFailed(span, log, st, "create_namespace", err), false
	}
	if err := e.kube.AddDefaultAccessPolicy(ctx, id, ns); err != nil {
		return e.stepFailed(span, log, st, "access_policy", err), false
	}
	objs, err := e.render(ctx, s, id, ns)
	if err != nil {
		return e.stepFailed(span, log, st, "render", err), false
	}
	if err := e.kube.Create(ctx, objs...); err != nil {
		return e.stepFailed(span, log, st, "create", err), false
	}
	log.Info("space_created", zap.Int("objects", len(objs)))

	return e.finishSpace(ctx, s, st, func() (bool, error) { return e.deploymentsReady(ctx, ns, objs) },
		func(svc string) (bool, error) { return e.kube.HasService(ctx, ns, svc) }), true
}

// updateSpace completes and checks a space whose cluster already exists.
// Objects missing from the snapshot are recreated; a converged cluster sees
// no writes apart from certificate checks.
func (e *Engine) updateSpace(ctx context.Context, s types.AddressSpace, c cluster.DestinationCluster) types.SpaceStatus {
	id, ns := c.ID, c.Namespace
	ctx, span, log := e.startSpan(ctx, "reconcile.update", s.Name, ns)
	defer span.End()
	st := types.SpaceStatus{Name: s.Name, Namespace: ns, Phase: types.PhaseProvisioning, Generation: s.Generation}

	if c.Terminating {
		return e.stepFailed(span, log, st, "create_namespace", fmt.Errorf("namespace %s is terminating", ns))
	}
	if !c.Has("RoleBinding", kube.DefaultAccessPolicyName) {
		if err := e.kube.AddDefaultAccessPolicy(ctx, id, ns); err != nil {
			return e.stepFailed(span, log, st, "access_policy", err)
		}
	}
	objs, err := e.render(ctx, s, id, ns)
	if err != nil {
		return e.stepFailed(span, log, st, "render", err)
	}
	var missing []client.Object
	for _, o := range objs {
		if !c.Has(o.GetObjectKind().GroupVersionKind().Kind, o.GetName()) {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		if err := e.kube.Create(ctx, missing...); err != nil {
			return e.stepFailed(span, log, st, "create", err)
		}
		log.Info("space_completed", zap.Int("objects", len(missing)))
		return e.finishSpace(ctx, s, st, func() (bool, error) { return e.deploymentsReady(ctx, ns, objs) },
			func(svc string) (bool, error) { return e.kube.HasService(ctx, ns, svc) })
	}
	return e.finishSpace(ctx, s, st, func() (bool, error) { return c.Ready(), nil },
		func(svc string) (bool, error) { return c.Has("Service", svc), nil })
}

// finishSpace provisions certificates and derives readiness. A space is ready
// only when its deployments are available and every endpoint has its service
// and, where requested, a secret holding both key and certificate.
func (e *Engine) finishSpace(ctx context.Context, s types.AddressSpace, st types.SpaceStatus,
	deploymentsReady func() (bool, error), hasService func(string) (bool, error)) types.SpaceStatus {
	log := logging.FromContext(ctx)
	var problems []string
	ready := true

	for _, ep := range s.Endpoints {
		es := types.EndpointStatus{Name: ep.Name, Service: ep.Service, CertReady: true, ServiceReady: true}
		if ep.Service != "" {
			ok, err := hasService(ep.Service)
			if err != nil {
				es.Message = err.Error()
			}
			es.ServiceReady = ok && err == nil
		}
		if ep.NeedsCert() {
			es.SecretName = ep.Cert.SecretName
			if err := e.provideCert(ctx, s, st.Namespace, ep); err != nil {
				es.CertReady = false
				es.Message = err.Error()
				if isConfigError(err) {
					st.ConfigError = true
				}
				log.Warn("space_cert_failed", zap.String("endpoint", ep.Name), zap.Error(err))
			}
		}
		if !es.CertReady || !es.ServiceReady {
			ready = false
			msg := es.Message
			if msg == "" {
				msg = "service " + ep.Service + " not found"
			}
			problems = append(problems, fmt.Sprintf("endpoint %s: %s", ep.Name, msg))
		}
		st.Endpoints = append(st.Endpoints, es)
	}

	deps, err := deploymentsReady()
	switch {
	case err != nil:
		ready = false
		problems = append(problems, "readiness: "+err.Error())
	case !deps:
		ready = false
		problems = append(problems, "deployments not ready")
	}

	st.Ready = ready
	if ready {
		st.Phase = types.PhaseReady
	} else {
		st.Phase = types.PhaseProvisioning
		st.Message = strings.Join(problems, "; ")
	}
	return st
}

// provideCert runs the endpoint's provider and confirms the secret holds a key pair.
func (e *Engine) provideCert(ctx context.Context, s types.AddressSpace, namespace string, ep types.EndpointSpec) error {
	if err := e.certs.Provide(ctx, s, ep); err != nil {
		return err
	}
	data, err := e.kube.GetSecret(ctx, namespace, ep.Cert.SecretName)
	if err != nil {
		return fmt.Errorf("endpoint %s: read secret: %w", ep.Name, err)
	}
	if !certs.HasKeyPair(data) {
		return fmt.Errorf("endpoint %s: secret %s lacks key or certificate", ep.Name, ep.Cert.SecretName)
	}
	return nil
}

// deploymentsReady checks the rendered deployments against the live ones.
func (e *Engine) deploymentsReady(ctx context.Context, namespace string, objs []client.Object) (bool, error) {
	want := sets.New[string]()
	for _, o := range objs {
		if o.GetObjectKind().GroupVersionKind().Kind == "Deployment" {
			want.Insert(o.GetName())
		}
	}
	if want.Len() == 0 {
		return true, nil
	}
	ready, err := e.kube.ReadyDeployments(ctx, namespace)
	if err != nil {
		return false, err
	}
	have := sets.New[string]()
	for _, d := range ready {
		have.Insert(d.Name)
	}
	return have.IsSuperset(want), nil
}

// deleteCluster removes an orphaned cluster: owned objects first, then the
// namespace. A failed object delete keeps the namespace for the next cycle.
// The status is reported under name, the space the cluster was created for.
// The boolean reports whether namespace deletion was issued.
func (e *Engine) deleteCluster(ctx context.Context, c cluster.DestinationCluster, name string) (types.SpaceStatus, bool) {
	ctx, span, log := e.startSpan(ctx, "reconcile.delete", name, c.Namespace)
	defer span.End()
	st := types.SpaceStatus{Name: name, Namespace: c.Namespace, Phase: types.PhaseDeleting}

	objs := make([]client.Object, 0, len(c.Resources)+len(c.Stale))
	for _, r := range append(append([]cluster.Resource(nil), c.Resources...), c.Stale...) {
		objs = append(objs, r.Object)
	}
	if err := e.kube.Delete(ctx, objs...); err != nil {
		span.RecordError(err)
		st.Message = "delete objects: " + err.Error()
		log.Warn("space_delete_failed", zap.Error(err))
		return st, false
	}
	if err := e.kube.DeleteNamespace(ctx, c.Namespace); err != nil {
		span.RecordError(err)
		st.Message = "delete namespace: " + err.Error()
		log.Warn("space_delete_failed", zap.Error(err))
		return st, false
	}
	st.Message = "namespace deletion requested"
	log.Info("space_deleted", zap.Int("objects", len(objs)))
	return st, true
}

// pruneStale deletes objects a previous owner left in a namespace that another
// space has taken over. The namespace itself stays. The boolean reports
// whether the previous owner's status should be recorded.
func (e *Engine) pruneStale(ctx context.Context, g staleGroup) (types.SpaceStatus, bool) {
	ctx, span, log := e.startSpan(ctx, "reconcile.prune", g.id, g.namespace)
	defer span.End()
	st := types.SpaceStatus{Name: g.name, Namespace: g.namespace, Phase: types.PhaseDeleting, Message: "superseded by " + g.owner}

	objs := make([]client.Object, 0, len(g.resources))
	for _, r := range g.resources {
		objs = append(objs, r.Object)
	}
	if err := e.kube.Delete(ctx, objs...); err != nil {
		span.RecordError(err)
		st.Message = "delete objects: " + err.Error()
		log.Warn("space_prune_failed", zap.String("owner", g.owner), zap.Error(err))
	} else {
		log.Info("space_pruned", zap.String("owner", g.owner), zap.Int("objects", len(objs)))
	}
	return st, g.name != ""
}
