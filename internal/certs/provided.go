package certs

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/pkg/types"
)

// Provided only checks a secret that was supplied out of band. It never writes.
type Provided struct {
	secrets kube.SecretStore
}

func NewProvided(secrets kube.SecretStore) *Provided {
	return &Provided{secrets: secrets}
}

func (p *Provided) ProvideCert(ctx context.Context, space types.AddressSpace, ep types.EndpointSpec) error {
	ns := cluster.NamespaceFor(space)
	data, err := p.secrets.GetSecret(ctx, ns, ep.Cert.SecretName)
	if apierrors.IsNotFound(err) {
		return &ConfigError{Provider: ProviderProvided, Reason: fmt.Sprintf("secret %s/%s not found", ns, ep.Cert.SecretName)}
	}
	if err != nil {
		return fmt.Errorf("read provided secret: %w", err)
	}
	if !HasKeyPair(data) {
		return &ConfigError{Provider: ProviderProvided, Reason: fmt.Sprintf("secret %s/%s is missing a key or certificate", ns, ep.Cert.SecretName)}
	}
	return nil
}
