// Package planner orders the pending changes of a flush so that they can be
// applied against a backend that enforces foreign keys.
//
// Plans put every insert first, then every update, then every delete:
//   - an insert runs after the inserts of the rows it references through a
//     non-deferred foreign key;
//   - a delete runs after the deletes of rows that reference it;
//   - deferred foreign keys are ordering preferences only; one that would
//     close a cycle is ignored, since the backend checks it at commit, while
//     the rest are still honored.
//
// A delete whose dependents survive the flush is allowed only when the
// relation's policy lets the backend deal with them (cascade, set_null); under
// no_action the plan fails with ErrForeignKeyViolation before any write.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Action is the kind of write a change performs.
type Action int

// Actions in plan order.
const (
	Insert Action = iota
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// External marks a Dependent that is not part of the flush: a stored row,
// or a managed entity that is not being deleted.
const External = -1

// Change is one pending write. IDs must be unique within a plan; they also
// break ties, so callers assign them in creation order.
type Change struct {
	ID     int
	Action Action
	Kind   string
	Label  string // Human-readable identity used in error messages.

	// Requires lists the pending inserts this row references. Only
	// meaningful for inserts and updates.
	Requires []Requirement

	// Dependents lists the rows that reference this one. Only meaningful
	// for deletes.
	Dependents []Dependent
}

// Requirement is a reference from a change to a pending insert.
type Requirement struct {
	Target   int // Change ID of the referenced insert.
	Relation string
	Deferred bool
}

// Dependent is a row that references the row a delete removes.
type Dependent struct {
	Change   int // Change ID if the dependent is also being deleted, else External.
	Label    string
	Relation string
	Policy   types.DeletePolicy
	Deferred bool
}

// Plan returns the changes in execution order.
func Plan(changes []Change) ([]Change, error) {
	byID := make(map[int]Change, len(changes))
	var inserts, updates, deletes []Change
	for _, c := range changes {
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("planner: duplicate change id %d", c.ID)
		}
		byID[c.ID] = c
		switch c.Action {
		case Insert:
			inserts = append(inserts, c)
		case Update:
			updates = append(updates, c)
		case Delete:
			deletes = append(deletes, c)
		default:
			return nil, fmt.Errorf("planner: change %d has unknown action %v", c.ID, c.Action)
		}
	}

	if err := checkDeletes(deletes, byID); err != nil {
		return nil, err
	}

	// insert edges: referenced insert -> referencing insert
	var insertEdges []edge
	for _, c := range inserts {
		for _, req := range c.Requires {
			target, ok := byID[req.Target]
			if !ok || target.Action != Insert || target.ID == c.ID {
				continue
			}
			insertEdges = append(insertEdges, edge{from: target.ID, to: c.ID, soft: req.Deferred})
		}
	}
	orderedInserts, err := topoSort(inserts, insertEdges)
	if err != nil {
		return nil, err
	}

	// delete edges: dependent delete -> referenced delete
	var deleteEdges []edge
	for _, c := range deletes {
		for _, dep := range c.Dependents {
			if dep.Change == External || dep.Change == c.ID {
				continue
			}
			deleteEdges = append(deleteEdges, edge{from: dep.Change, to: c.ID, soft: dep.Deferred})
		}
	}
	orderedDeletes, err := topoSort(deletes, deleteEdges)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })

	out := make([]Change, 0, len(changes))
	out = append(out, orderedInserts...)
	out = append(out, updates...)
	out = append(out, orderedDeletes...)
	return out, nil
}

// checkDeletes fails fast when a delete would orphan a surviving dependent
// under a no_action policy.
func checkDeletes(deletes []Change, byID map[int]Change) error {
	for _, c := range deletes {
		for _, dep := range c.Dependents {
			if dep.Change != External {
				if d, ok := byID[dep.Change]; ok && d.Action == Delete {
					continue
				}
			}
			if dep.Policy == types.DeleteNoAction {
				return fmt.Errorf("%w: deleting %s would orphan %s via %s",
					types.ErrForeignKeyViolation, c.Label, dep.Label, dep.Relation)
			}
		}
	}
	return nil
}

type edge struct {
	from, to int
	soft     bool
}

// topoSort orders nodes so that every edge's source precedes its target,
// breaking ties by ID. Hard edges must be acyclic, otherwise the result is
// ErrCyclicDependency. Soft edges are then kept one at a time, in the order
// given, unless one would close a cycle with the edges kept so far.
func topoSort(nodes []Change, edges []edge) ([]Change, error) {
	var hard, soft []edge
	for _, e := range edges {
		if e.soft {
			soft = append(soft, e)
		} else {
			hard = append(hard, e)
		}
	}
	if _, ok := kahn(nodes, hard); !ok {
		return nil, cycleError(nodes, edges)
	}

	next := make(map[int][]int, len(nodes))
	for _, e := range hard {
		next[e.from] = append(next[e.from], e.to)
	}
	kept := hard
	for _, e := range soft {
		if e.from == e.to || reaches(next, e.to, e.from) {
			continue
		}
		next[e.from] = append(next[e.from], e.to)
		kept = append(kept, e)
	}
	out, ok := kahn(nodes, kept)
	if !ok {
		return nil, cycleError(nodes, edges)
	}
	return out, nil
}

// reaches reports whether to can be reached from from along next.
func reaches(next map[int][]int, from, to int) bool {
	seen := map[int]bool{from: true}
	stack := []int{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		for _, n := range next[id] {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return false
}

func kahn(nodes []Change, edges []edge) ([]Change, bool) {
	index := make(map[int]Change, len(nodes))
	indegree := make(map[int]int, len(nodes))
	next := make(map[int][]int, len(nodes))
	for _, n := range nodes {
		index[n.ID] = n
		indegree[n.ID] = 0
	}
	seen := make(map[[2]int]bool)
	for _, e := range edges {
		if _, ok := index[e.from]; !ok {
			continue
		}
		if _, ok := index[e.to]; !ok {
			continue
		}
		if seen[[2]int{e.from, e.to}] {
			continue
		}
		seen[[2]int{e.from, e.to}] = true
		next[e.from] = append(next[e.from], e.to)
		indegree[e.to]++
	}

	var ready []int
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Ints(ready)

	out := make([]Change, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, index[id])
		for _, to := range next[id] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = insertSorted(ready, to)
			}
		}
	}
	return out, len(out) == len(nodes)
}

func insertSorted(ids []int, id int) []int {
	i := sort.SearchInts(ids, id)
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// cycleError names the changes left over after peeling every node that is
// not on a hard cycle.
func cycleError(nodes []Change, edges []edge) error {
	remaining := make(map[int]Change, len(nodes))
	for _, n := range nodes {
		remaining[n.ID] = n
	}
	for changed := true; changed; {
		changed = false
		for id := range remaining {
			hasIn, hasOut := false, false
			for _, e := range edges {
				if e.soft {
					continue
				}
				_, fromOK := remaining[e.from]
				_, toOK := remaining[e.to]
				if !fromOK || !toOK {
					continue
				}
				if e.to == id {
					hasIn = true
				}
				if e.from == id {
					hasOut = true
				}
			}
			if !hasIn || !hasOut {
				delete(remaining, id)
				changed = true
			}
		}
	}
	ids := make([]int, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = remaining[id].Label
	}
	return fmt.Errorf("%w: %s", types.ErrCyclicDependency, strings.Join(labels, ", "))
}
