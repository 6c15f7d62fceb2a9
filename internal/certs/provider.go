// Package certs provisions the TLS secrets address space endpoints serve with.
package certs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/pkg/types"
)

// Provider names accepted in a CertSpec.
const (
	ProviderWildcard   = "wildcard"
	ProviderSelfSigned = "selfsigned"
	ProviderProvided   = "provided"
)

// Provider ensures the endpoint's target secret exists and holds a key pair.
// Calling it again for an endpoint that already has a valid secret is a no-op.
type Provider interface {
	ProvideCert(ctx context.Context, space types.AddressSpace, ep types.EndpointSpec) error
}

// ConfigError reports missing or malformed operator configuration.
// It is not retried by the engine; the space stays not ready until fixed.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return "certificate configuration: " + e.Reason
	}
	return fmt.Sprintf("certificate provider %s: %s", e.Provider, e.Reason)
}

// IsConfigError reports whether err or anything it wraps is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// HasKeyPair reports whether data carries both a private key and a certificate.
func HasKeyPair(data map[string][]byte) bool {
	return len(data[corev1.TLSPrivateKeyKey]) > 0 && len(data[corev1.TLSCertKey]) > 0
}

func secretLabels(controller string, space types.AddressSpace) map[string]string {
	return cluster.OwnedLabels(controller, cluster.InstanceID(space))
}

// Registry maps provider names to constructed providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register binds name to p, replacing any earlier binding.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the provider bound to name, or a ConfigError.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &ConfigError{Provider: name, Reason: "unknown provider"}
	}
	return p, nil
}

// Provide validates the endpoint's CertSpec and dispatches to its provider.
// Endpoints without a CertSpec are exempt and return nil.
func (r *Registry) Provide(ctx context.Context, space types.AddressSpace, ep types.EndpointSpec) error {
	if !ep.NeedsCert() {
		return nil
	}
	if !ep.Cert.Valid() {
		metrics.CertErrorsTotal.WithLabelValues(ep.Cert.Provider).Inc()
		return &ConfigError{Provider: ep.Cert.Provider, Reason: fmt.Sprintf("endpoint %s: provider and secret name are required", ep.Name)}
	}
	p, err := r.Lookup(ep.Cert.Provider)
	if err == nil {
		err = p.ProvideCert(ctx, space, ep)
	}
	if err != nil {
		metrics.CertErrorsTotal.WithLabelValues(ep.Cert.Provider).Inc()
		return fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}
	return nil
}

// Options configures the default provider set.
type Options struct {
	Controller string
	// WildcardNamespace and WildcardSecret locate the shared wildcard secret.
	WildcardNamespace string
	WildcardSecret    string
	Organization      string
}

// DefaultRegistry registers the wildcard, self-signed and provided providers.
func DefaultRegistry(secrets kube.SecretStore, opts Options) *Registry {
	r := NewRegistry()
	r.Register(ProviderWildcard, NewWildcard(secrets, opts.WildcardNamespace, opts.WildcardSecret, opts.Controller))
	r.Register(ProviderSelfSigned, NewSelfSigned(secrets, opts.Controller, opts.Organization))
	r.Register(ProviderProvided, NewProvided(secrets))
	return r
}
