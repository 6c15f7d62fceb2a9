package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/vaheed/novaspace/pkg/types"
)

// EventPhaseChanged is the event type emitted for every phase transition.
const EventPhaseChanged = "phase_changed"

// Result is the outcome of one reconcile cycle.
type Result struct {
	CycleID  string                       `json:"cycleId"`
	Started  time.Time                    `json:"started"`
	Finished time.Time                    `json:"finished"`
	Spaces   map[string]types.SpaceStatus `json:"spaces"`
	// Created and Deleted list instance ids, sorted.
	Created []string      `json:"created,omitempty"`
	Deleted []string      `json:"deleted,omitempty"`
	Events  []types.Event `json:"events,omitempty"`
}

// Ready reports whether the named space was ready at the end of the cycle.
func (r Result) Ready(name string) bool {
	return r.Spaces[name].Ready
}

// Statuses returns the space statuses ordered by name.
func (r Result) Statuses() []types.SpaceStatus {
	out := make([]types.SpaceStatus, 0, len(r.Spaces))
	for _, st := range r.Spaces {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// collector gathers worker output for a cycle in progress.
type collector struct {
	mu  sync.Mutex
	res Result
}

func (c *collector) record(st types.SpaceStatus, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := st.Name
	if _, taken := c.res.Spaces[key]; taken {
		key = st.Namespace + "/" + st.Name
	}
	st.CycleID = c.res.CycleID
	st.UpdatedAt = now
	c.res.Spaces[key] = st
}

func (c *collector) created(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.Created = append(c.res.Created, id)
}

func (c *collector) deleted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.Deleted = append(c.res.Deleted, id)
}

func (c *collector) result(finished time.Time) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.res
	res.Finished = finished
	sort.Strings(res.Created)
	sort.Strings(res.Deleted)
	return res
}
