package engine

import (
	"sort"
	"sync"
)

// ContainerRegistry is the canonical in-memory view of containers, keyed by
// name.
//
// Only the event loop writes to the registry. Readers get copies.
type ContainerRegistry struct {
	mu     sync.RWMutex
	byName map[string]Container
}

// NewContainerRegistry creates an empty registry.
func NewContainerRegistry() *ContainerRegistry {
	return &ContainerRegistry{
		byName: make(map[string]Container),
	}
}

// Refresh replaces the contents with list and returns what changed.
func (r *ContainerRegistry) Refresh(list []Container) Diff {
	return r.RefreshPreserving(list, nil)
}

// RefreshPreserving replaces the contents with list, except for names in
// preserve, which keep their current entry (or absence). Duplicate names in
// list are collapsed; the last entry wins.
func (r *ContainerRegistry) RefreshPreserving(list []Container, preserve map[string]bool) Diff {
	next := make(map[string]Container, len(list))
	for _, c := range list {
		if c.Name == "" {
			continue
		}
		next[c.Name] = c.clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range preserve {
		if cur, ok := r.byName[name]; ok {
			next[name] = cur
		} else {
			delete(next, name)
		}
	}

	var diff Diff
	for name, c := range next {
		cur, ok := r.byName[name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, name)
		case !cur.Equal(c):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range r.byName {
		if _, ok := next[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	r.byName = next
	diff.sort()
	return diff
}

// ApplyOperationResult applies the expected effect of a succeeded operation
// without waiting for the next refresh. Other states are ignored.
func (r *ContainerRegistry) ApplyOperationResult(op Operation) Diff {
	var diff Diff
	if op.State != StateSucceeded {
		return diff
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	setStatus := func(name string, status ContainerStatus) {
		c, ok := r.byName[name]
		if !ok || c.Status == status {
			return
		}
		c.Status = status
		r.byName[name] = c
		diff.Changed = append(diff.Changed, name)
	}

	switch op.Kind {
	case OperationStart, OperationRestart:
		setStatus(op.Target, StatusRunning)
	case OperationStop:
		setStatus(op.Target, StatusStopped)
	case OperationDelete:
		if _, ok := r.byName[op.Target]; ok {
			delete(r.byName, op.Target)
			diff.Removed = append(diff.Removed, op.Target)
		}
	case OperationCreate:
		spec := op.Request.Spec
		if spec == nil {
			break
		}
		if _, ok := r.byName[spec.Name]; ok {
			break
		}
		status := StatusStopped
		if spec.Start {
			status = StatusRunning
		}
		r.byName[spec.Name] = Container{
			Name:      spec.Name,
			Status:    status,
			Type:      spec.InstanceType(),
			Image:     spec.Image,
			CreatedAt: op.CompletedAt,
			Profiles:  append([]string(nil), spec.Profiles...),
		}
		diff.Added = append(diff.Added, spec.Name)
	case OperationClone:
		name := op.Request.NewName
		if _, ok := r.byName[name]; ok || name == "" {
			break
		}
		c := Container{Name: name, Type: "container", CreatedAt: op.CompletedAt}
		if src, ok := r.byName[op.Target]; ok {
			c = src.clone()
			c.Name = name
			c.CreatedAt = op.CompletedAt
			c.Usage = Usage{}
			c.Addresses = nil
		}
		c.Status = StatusStopped
		r.byName[name] = c
		diff.Added = append(diff.Added, name)
	}

	return diff
}

// Get returns a copy of one container.
func (r *ContainerRegistry) Get(name string) (Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]
	if !ok {
		return Container{}, false
	}
	return c.clone(), true
}

// All returns copies of all containers sorted by name.
func (r *ContainerRegistry) All() []Container {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Container, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of containers.
func (r *ContainerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// CountByStatus returns the number of containers per status.
func (r *ContainerRegistry) CountByStatus() map[ContainerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[ContainerStatus]int)
	for _, c := range r.byName {
		out[c.Status]++
	}
	return out
}

func (d *Diff) sort() {
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
}

// Names returns every name in the diff.
func (d Diff) Names() []string {
	out := make([]string, 0, len(d.Added)+len(d.Removed)+len(d.Changed))
	out = append(out, d.Added...)
	out = append(out, d.Removed...)
	return append(out, d.Changed...)
}
