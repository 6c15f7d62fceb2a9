package cluster

import (
	"strings"

	"github.com/vaheed/novaspace/pkg/types"
)

const (
	nameMaxLength = 63

	// LabelInstance carries the address space id on every owned object.
	LabelInstance = "novaspace.io/instance"
	// LabelController scopes objects to one controller deployment.
	LabelController = "novaspace.io/controller"
	LabelManagedBy  = "app.kubernetes.io/managed-by"

	ManagedByValue = "novaspace"
)

// SanitizeName maps an arbitrary name onto the platform's naming rules:
// lower-case, alphanumerics only, every run of other characters collapsed
// into a single '-', no leading or trailing '-', at most 63 characters.
// The result is a fixed point: SanitizeName(SanitizeName(x)) == SanitizeName(x).
func SanitizeName(value string) string {
	in := strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(in))
	prevHyphen := false
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevHyphen = false
			continue
		}
		if prevHyphen {
			continue
		}
		b.WriteRune('-')
		prevHyphen = true
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > nameMaxLength {
		out = strings.Trim(out[:nameMaxLength], "-")
	}
	return out
}

// InstanceID derives the cluster identifier of an address space.
func InstanceID(space types.AddressSpace) string {
	return SanitizeName(space.Name)
}

// NamespaceFor resolves the namespace an address space is bound to.
// The namespace annotation wins; the space name is the fallback.
func NamespaceFor(space types.AddressSpace) string {
	if ns := space.Annotation(types.AnnotationNamespace); ns != "" {
		return SanitizeName(ns)
	}
	return SanitizeName(space.Name)
}

// OwnedLabels returns the label set stamped on every object of a cluster.
func OwnedLabels(controller, id string) map[string]string {
	l := map[string]string{
		LabelInstance:  id,
		LabelManagedBy: ManagedByValue,
	}
	if controller != "" {
		l[LabelController] = controller
	}
	return l
}
