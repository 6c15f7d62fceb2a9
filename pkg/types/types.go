package types

import "time"

// AnnotationNamespace binds an address space to the namespace its resources live in.
const AnnotationNamespace = "novaspace.io/namespace"

// AddressSpace is the declared messaging environment of one tenant.
type AddressSpace struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Plan        string            `json:"plan"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Endpoints   []EndpointSpec    `json:"endpoints,omitempty"`
	// Generation is the observed generation of the backing object, zero when
	// the space does not come from the API server.
	Generation int64 `json:"generation,omitempty"`
}

// Annotation returns the annotation value for key, or "".
func (a AddressSpace) Annotation(key string) string {
	if a.Annotations == nil {
		return ""
	}
	return a.Annotations[key]
}

// EndpointSpec is one externally reachable endpoint of an address space.
type EndpointSpec struct {
	Name        string    `json:"name"`
	Service     string    `json:"service"`
	ServicePort string    `json:"servicePort"`
	Cert        *CertSpec `json:"cert,omitempty"`
}

// CertSpec selects the certificate provider and the secret it must fill.
type CertSpec struct {
	Provider   string `json:"provider"`
	SecretName string `json:"secretName"`
}

// Valid reports whether both the provider and the secret name are set.
func (c *CertSpec) Valid() bool {
	return c != nil && c.Provider != "" && c.SecretName != ""
}

// NeedsCert reports whether the endpoint declares a certificate at all.
func (e EndpointSpec) NeedsCert() bool { return e.Cert != nil }

// Phase is the lifecycle position of an address space.
type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseProvisioning Phase = "Provisioning"
	PhaseReady        Phase = "Ready"
	PhaseDeleting     Phase = "Deleting"
	PhaseGone         Phase = "Gone"
)

var transitions = map[Phase][]Phase{
	"":                {PhasePending, PhaseProvisioning, PhaseReady, PhaseDeleting},
	PhasePending:      {PhasePending, PhaseProvisioning, PhaseDeleting},
	PhaseProvisioning: {PhaseProvisioning, PhasePending, PhaseReady, PhaseDeleting},
	PhaseReady:        {PhaseReady, PhaseProvisioning, PhaseDeleting},
	PhaseDeleting:     {PhaseDeleting, PhaseGone, PhasePending},
	PhaseGone:         {PhaseGone, PhasePending},
}

// CanTransition reports whether moving from one phase to another is allowed.
// The empty phase stands for "not observed before".
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// EndpointStatus reports certificate and service state for one endpoint.
type EndpointStatus struct {
	Name       string `json:"name"`
	Service    string `json:"service"`
	SecretName string `json:"secretName,omitempty"`
	CertReady  bool   `json:"certReady"`
	// ServiceReady is true once the backing service exists.
	ServiceReady bool   `json:"serviceReady"`
	Message      string `json:"message,omitempty"`
}

// SpaceStatus is the per-cycle outcome for one address space.
type SpaceStatus struct {
	Name        string           `json:"name"`
	Namespace   string           `json:"namespace"`
	Phase       Phase            `json:"phase"`
	Ready       bool             `json:"ready"`
	Message     string           `json:"message,omitempty"`
	ConfigError bool             `json:"configError,omitempty"`
	Endpoints   []EndpointStatus `json:"endpoints,omitempty"`
	Generation  int64            `json:"generation,omitempty"`
	CycleID     string           `json:"cycleId,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Condition mirrors a Kubernetes style status condition.
type Condition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// Event records a phase transition or a notable failure of an address space.
type Event struct {
	ID      string         `json:"id"`
	Space   string         `json:"space"`
	Type    string         `json:"type"`
	From    Phase          `json:"from,omitempty"`
	To      Phase          `json:"to,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}
