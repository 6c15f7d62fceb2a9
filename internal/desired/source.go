// Package desired supplies the declared address spaces the engine converges towards.
package desired

import (
	"context"
	"fmt"
	"sort"

	"sigs.k8s.io/controller-runtime/pkg/client"

	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
	"github.com/vaheed/novaspace/pkg/types"
)

// CRD lists AddressSpace resources through the manager's cached reader.
type CRD struct {
	Reader client.Reader
	// Namespace limits the listing; empty lists every namespace.
	Namespace string
}

func (s *CRD) List(ctx context.Context) ([]types.AddressSpace, error) {
	var list v1alpha1.AddressSpaceList
	if err := s.Reader.List(ctx, &list, client.InNamespace(s.Namespace)); err != nil {
		return nil, fmt.Errorf("list address spaces: %w", err)
	}
	out := make([]types.AddressSpace, 0, len(list.Items))
	for i := range list.Items {
		// a resource being deleted is no longer desired
		if list.Items[i].DeletionTimestamp != nil {
			continue
		}
		out = append(out, list.Items[i].ToDomain())
	}
	return sorted(out), nil
}

// Static serves a fixed set, for one-shot runs and tests.
type Static []types.AddressSpace

func (s Static) List(context.Context) ([]types.AddressSpace, error) {
	return sorted(append([]types.AddressSpace(nil), s...)), nil
}

func sorted(spaces []types.AddressSpace) []types.AddressSpace {
	sort.SliceStable(spaces, func(i, j int) bool { return spaces[i].Name < spaces[j].Name })
	return spaces
}
