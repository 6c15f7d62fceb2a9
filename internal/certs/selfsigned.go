package certs

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/pkg/types"
)

// CASecretName is the per-namespace secret holding the self-signed issuer.
const CASecretName = "address-space-ca"

// SelfSigned issues endpoint certificates from a CA kept in the space namespace.
// An existing target secret holding a key pair is never regenerated.
type SelfSigned struct {
	secrets      kube.SecretStore
	controller   string
	organization string
	now          func() time.Time
}

func NewSelfSigned(secrets kube.SecretStore, controller, organization string) *SelfSigned {
	if organization == "" {
		organization = DefaultOrganization
	}
	return &SelfSigned{secrets: secrets, controller: controller, organization: organization, now: time.Now}
}

func (s *SelfSigned) ProvideCert(ctx context.Context, space types.AddressSpace, ep types.EndpointSpec) error {
	ns := cluster.NamespaceFor(space)
	existing, err := s.secrets.GetSecret(ctx, ns, ep.Cert.SecretName)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("read secret %s/%s: %w", ns, ep.Cert.SecretName, err)
	}
	if err == nil && HasKeyPair(existing) {
		return nil
	}

	ca, err := s.ensureCA(ctx, space, ns)
	if err != nil {
		return err
	}
	host := fmt.Sprintf("%s.%s.svc", ep.Service, ns)
	pair, err := GenerateServerCert(ca, host, []string{host, host + ".cluster.local", ep.Service}, s.organization, s.now())
	if err != nil {
		return err
	}
	data := map[string][]byte{
		corev1.TLSPrivateKeyKey:        pair.KeyPEM,
		corev1.TLSCertKey:              pair.CertPEM,
		corev1.ServiceAccountRootCAKey: ca.CertPEM,
	}
	return s.secrets.PutSecret(ctx, ns, ep.Cert.SecretName, data, secretLabels(s.controller, space))
}

// ensureCA loads the namespace CA, replacing it when absent, corrupt or close to expiry.
// The CA is stored as a TLS secret so the API server accepts it.
func (s *SelfSigned) ensureCA(ctx context.Context, space types.AddressSpace, ns string) (*CA, error) {
	data, err := s.secrets.GetSecret(ctx, ns, CASecretName)
	if err != nil && !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("read CA secret: %w", err)
	}
	if err == nil {
		ca, perr := ParseCA(data[corev1.TLSCertKey], data[corev1.TLSPrivateKeyKey])
		if perr == nil && ca.Cert.NotAfter.Sub(s.now()) > CARenewBefore {
			return ca, nil
		}
	}
	ca, err := GenerateCA(ns+" address space CA", s.organization, s.now())
	if err != nil {
		return nil, err
	}
	caData := map[string][]byte{
		corev1.TLSPrivateKeyKey: ca.KeyPEM,
		corev1.TLSCertKey:       ca.CertPEM,
	}
	if err := s.secrets.PutSecret(ctx, ns, CASecretName, caData, secretLabels(s.controller, space)); err != nil {
		return nil, fmt.Errorf("store CA secret: %w", err)
	}
	return ca, nil
}
