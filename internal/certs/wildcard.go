package certs

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/pkg/types"
)

// Wildcard copies the key pair of one shared secret into every endpoint secret.
type Wildcard struct {
	secrets    kube.SecretStore
	namespace  string
	name       string
	controller string
}

// NewWildcard reads its source from namespace/name on every call, so rotating
// the wildcard secret propagates on the next cycle.
func NewWildcard(secrets kube.SecretStore, namespace, name, controller string) *Wildcard {
	return &Wildcard{secrets: secrets, namespace: namespace, name: name, controller: controller}
}

func (w *Wildcard) ProvideCert(ctx context.Context, space types.AddressSpace, ep types.EndpointSpec) error {
	if w.name == "" {
		return &ConfigError{Provider: ProviderWildcard, Reason: "no wildcard secret configured"}
	}
	src, err := w.secrets.GetSecret(ctx, w.namespace, w.name)
	if apierrors.IsNotFound(err) {
		return &ConfigError{Provider: ProviderWildcard, Reason: fmt.Sprintf("wildcard secret %s/%s not found", w.namespace, w.name)}
	}
	if err != nil {
		return fmt.Errorf("read wildcard secret: %w", err)
	}
	if !HasKeyPair(src) {
		return &ConfigError{Provider: ProviderWildcard, Reason: fmt.Sprintf("wildcard secret %s/%s lacks %s or %s", w.namespace, w.name, corev1.TLSPrivateKeyKey, corev1.TLSCertKey)}
	}
	data := map[string][]byte{
		corev1.TLSPrivateKeyKey: src[corev1.TLSPrivateKeyKey],
		corev1.TLSCertKey:       src[corev1.TLSCertKey],
	}
	// PutSecret skips the write when the bytes already match.
	return w.secrets.PutSecret(ctx, cluster.NamespaceFor(space), ep.Cert.SecretName, data, secretLabels(w.controller, space))
}
