package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxHistory bounds the number of operations kept by the registry.
const DefaultMaxHistory = 50

// Update is a state transition or progress report for one operation.
//
// An Update whose State equals the current state of a sent or polling
// operation is an annotation: it refreshes retries, progress, handle and
// remote id without a transition.
type Update struct {
	// State is the target state.
	State OperationState

	// Handle is the remote operation path, set when entering polling.
	Handle string

	// RemoteID is the remote operation id.
	RemoteID string

	// Progress is 0-100 or ProgressIndeterminate. Nil leaves it unchanged.
	Progress *int

	// Err is recorded on the operation when non-nil.
	Err error

	// Retries is the total retry count so far. Lower values are ignored.
	Retries int

	// ExitCode is reported by exec jobs.
	ExitCode *int
}

// Progress returns a pointer to p for use in Update.
func Progress(p int) *int {
	return &p
}

// OperationRegistry tracks operations and enforces the per-container lock.
//
// Only the event loop writes to the registry. The lock exists so that the
// presentation layer can read snapshots from any goroutine.
type OperationRegistry struct {
	mu sync.RWMutex

	// ops maps operation ids to operations.
	ops map[string]*Operation

	// order lists operation ids in creation order.
	order []string

	// locks maps container names to the id of the active mutating operation.
	locks map[string]string

	maxHistory int
	now        func() time.Time
	newID      func() string
}

// NewOperationRegistry creates an empty registry.
func NewOperationRegistry(maxHistory int) *OperationRegistry {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &OperationRegistry{
		ops:        make(map[string]*Operation),
		locks:      make(map[string]string),
		maxHistory: maxHistory,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// SetMaxHistory changes the history bound. It takes effect on the next Begin.
func (r *OperationRegistry) SetMaxHistory(n int) {
	if n <= 0 {
		n = DefaultMaxHistory
	}
	r.mu.Lock()
	r.maxHistory = n
	r.mu.Unlock()
}

// Begin creates a submitted operation for req. It returns a conflict error
// if the target container already has an active mutating operation.
func (r *OperationRegistry) Begin(req Request) (Operation, error) {
	if err := req.Kind.Validate(); err != nil {
		return Operation{}, NewValidationError(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Kind.IsMutating() {
		if req.Target == "" {
			return Operation{}, NewValidationError(fmt.Sprintf("%s requires a container name", req.Kind))
		}
		if holder, ok := r.locks[req.Target]; ok {
			return Operation{}, NewConflictError(
				fmt.Sprintf("operation %s is already in progress", r.ops[holder].Description),
			).WithTarget(req.Target)
		}
	}

	now := r.now()
	op := &Operation{
		ID:          r.newID(),
		Kind:        req.Kind,
		Target:      req.Target,
		Request:     req,
		Description: req.Describe(),
		State:       StateSubmitted,
		Progress:    ProgressIndeterminate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.ops[op.ID] = op
	r.order = append(r.order, op.ID)
	if req.Kind.IsMutating() {
		r.locks[req.Target] = op.ID
	}
	r.trimLocked()

	return *op, nil
}

// Apply applies u to the operation with the given id. It returns the new
// snapshot and true if anything changed. Updates for unknown or terminal
// operations, illegal transitions and no-op annotations return false.
func (r *OperationRegistry) Apply(id string, u Update) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.State.IsTerminal() {
		return Operation{}, false
	}

	changed := false
	if u.State != op.State {
		if u.State == StateCancelled || !CanTransition(op.State, u.State) {
			return Operation{}, false
		}
		op.State = u.State
		changed = true
	} else if op.State == StateSubmitted {
		return Operation{}, false
	}

	// A remote job was accepted, so errors from earlier attempts are stale.
	if u.State == StatePolling && u.Handle != "" && u.Handle != op.handle && op.Err != nil {
		op.Err = nil
		changed = true
	}

	if u.Handle != "" && u.Handle != op.handle {
		op.handle = u.Handle
		changed = true
	}
	if u.RemoteID != "" && u.RemoteID != op.RemoteID {
		op.RemoteID = u.RemoteID
		changed = true
	}
	if u.Progress != nil && *u.Progress != op.Progress {
		op.Progress = *u.Progress
		changed = true
	}
	if u.Retries > op.Retries {
		op.Retries = u.Retries
		changed = true
	}
	if u.Err != nil && (op.Err == nil || op.Err.Error() != u.Err.Error()) {
		op.Err = u.Err
		changed = true
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		op.ExitCode = &code
		changed = true
	}

	if !changed {
		return Operation{}, false
	}

	op.UpdatedAt = r.now()
	if op.State.IsTerminal() {
		op.CompletedAt = op.UpdatedAt
		if op.State == StateSucceeded {
			op.Progress = 100
			op.Err = nil
		}
		r.unlockLocked(op)
	}
	return *op, true
}

// Cancel moves a non-terminal operation to cancelled and releases its
// container lock immediately.
func (r *OperationRegistry) Cancel(id string) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return Operation{}, NewNotFoundError(fmt.Sprintf("operation %s not found", id)).WithOperation(id)
	}
	if op.State.IsTerminal() {
		return Operation{}, NewInvalidStateError(
			fmt.Sprintf("operation %s is already %s", op.Description, op.State),
		).WithOperation(id)
	}

	now := r.now()
	op.State = StateCancelled
	op.Err = &Error{Kind: KindCancelled, Message: "cancelled by user", Target: op.Target, Operation: id}
	op.UpdatedAt = now
	op.CompletedAt = now
	r.unlockLocked(op)

	return *op, nil
}

// Get returns a snapshot of one operation.
func (r *OperationRegistry) Get(id string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Active returns the active mutating operation on a container, if any.
func (r *OperationRegistry) Active(target string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.locks[target]
	if !ok {
		return Operation{}, false
	}
	return *r.ops[id], true
}

// ActiveCount returns the number of non-terminal operations.
func (r *OperationRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, op := range r.ops {
		if op.State.IsActive() {
			n++
		}
	}
	return n
}

// List returns a snapshot of all operations, most recent first.
func (r *OperationRegistry) List() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Operation, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, *r.ops[r.order[i]])
	}
	return out
}

// Prune removes terminal operations that completed more than olderThan ago
// and returns how many were removed.
func (r *OperationRegistry) Prune(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	return r.removeLocked(func(op *Operation) bool {
		return op.State.IsTerminal() && !op.CompletedAt.After(cutoff)
	}, len(r.order))
}

// trimLocked drops the oldest terminal operations beyond maxHistory.
func (r *OperationRegistry) trimLocked() {
	excess := len(r.order) - r.maxHistory
	if excess <= 0 {
		return
	}
	r.removeLocked(func(op *Operation) bool {
		return op.State.IsTerminal()
	}, excess)
}

// removeLocked removes up to limit operations matching drop, oldest first.
func (r *OperationRegistry) removeLocked(drop func(*Operation) bool, limit int) int {
	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		if removed < limit && drop(r.ops[id]) {
			delete(r.ops, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

func (r *OperationRegistry) unlockLocked(op *Operation) {
	if !op.Kind.IsMutating() {
		return
	}
	if r.locks[op.Target] == op.ID {
		delete(r.locks, op.Target)
	}
}
