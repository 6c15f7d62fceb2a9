package reconcile

import (
	"fmt"
	"sort"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/pkg/types"
)

type spaceWork struct {
	space types.AddressSpace
	// current is the live cluster, nil when the space has to be created.
	current *cluster.DestinationCluster
}

// cyclePlan is the diff between desired spaces and live clusters, computed
// from scratch every cycle.
type cyclePlan struct {
	work     []spaceWork
	rejected []types.SpaceStatus
	creates  int
	// claimed holds every namespace some desired space resolves to,
	// rejected spaces included.
	claimed map[string]string
}

// planCycle matches desired spaces to clusters by instance id and namespace.
// Spaces whose id is empty or collides with an earlier space, or whose
// namespace is already claimed, are rejected with a configuration error.
func planCycle(desired []types.AddressSpace, byNamespace map[string]cluster.DestinationCluster) cyclePlan {
	spaces := append([]types.AddressSpace(nil), desired...)
	sort.SliceStable(spaces, func(i, j int) bool { return spaces[i].Name < spaces[j].Name })

	p := cyclePlan{claimed: map[string]string{}}
	ids := map[string]string{}
	for _, s := range spaces {
		id := cluster.InstanceID(s)
		ns := cluster.NamespaceFor(s)
		reject := func(msg string) {
			p.rejected = append(p.rejected, types.SpaceStatus{
				Name: s.Name, Namespace: ns, Phase: types.PhasePending,
				Message: msg, ConfigError: true, Generation: s.Generation,
			})
			if ns != "" && p.claimed[ns] == "" {
				p.claimed[ns] = s.Name
			}
		}
		switch {
		case id == "" || ns == "":
			reject(fmt.Sprintf("name %q does not yield a valid identifier", s.Name))
			continue
		case ids[id] != "":
			reject(fmt.Sprintf("instance id %s already used by %s", id, ids[id]))
			continue
		case p.claimed[ns] != "":
			reject(fmt.Sprintf("namespace %s already claimed by %s", ns, p.claimed[ns]))
			continue
		}
		ids[id] = s.Name
		p.claimed[ns] = s.Name

		w := spaceWork{space: s}
		if c, ok := byNamespace[ns]; ok && c.ID == id {
			c := c
			w.current = &c
		} else {
			p.creates++
		}
		p.work = append(p.work, w)
	}
	return p
}

// staleGroup is a set of objects left in a claimed namespace by an instance
// that no longer owns it.
type staleGroup struct {
	namespace string
	owner     string
	id        string
	// name is the status key to report under; empty when the id still
	// belongs to an accepted space elsewhere.
	name      string
	resources []cluster.Resource
}

// findStale collects stale objects in namespaces whose cluster is already
// owned by the space claiming them.
func findStale(p cyclePlan, byNamespace map[string]cluster.DestinationCluster) []staleGroup {
	owners := make(map[string]string, len(p.work))
	for _, w := range p.work {
		owners[cluster.NamespaceFor(w.space)] = cluster.InstanceID(w.space)
	}
	var out []staleGroup
	for ns, c := range byNamespace {
		if len(c.Stale) == 0 || owners[ns] != c.ID {
			continue
		}
		for id, rs := range c.StaleByInstance() {
			out = append(out, staleGroup{namespace: ns, owner: c.ID, id: id, resources: rs})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].namespace != out[j].namespace {
			return out[i].namespace < out[j].namespace
		}
		return out[i].id < out[j].id
	})
	return out
}

// findOrphans returns live clusters no accepted space owns. Clusters sitting in
// a namespace a desired space claims are left alone: that space adopts them.
func findOrphans(p cyclePlan, byNamespace map[string]cluster.DestinationCluster) []cluster.DestinationCluster {
	var out []cluster.DestinationCluster
	for ns, c := range byNamespace {
		if p.claimed[ns] != "" {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}
