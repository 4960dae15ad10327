package engine

import (
	"fmt"
)

// OperationKind is the container action an operation performs.
type OperationKind string

const (
	// OperationStart starts a stopped container.
	OperationStart OperationKind = "start"

	// OperationStop stops a running container.
	OperationStop OperationKind = "stop"

	// OperationRestart restarts a running container.
	OperationRestart OperationKind = "restart"

	// OperationDelete deletes a stopped container.
	OperationDelete OperationKind = "delete"

	// OperationCreate creates a new container from an image.
	OperationCreate OperationKind = "create"

	// OperationClone copies an existing container under a new name.
	OperationClone OperationKind = "clone"

	// OperationExec runs a non-interactive command inside a running container.
	OperationExec OperationKind = "exec"
)

// IsMutating returns true if the operation is bound to an existing container
// and therefore subject to the per-container lock. Create is the only action
// that is not.
func (k OperationKind) IsMutating() bool {
	return k != OperationCreate
}

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	switch k {
	case OperationStart, OperationStop, OperationRestart, OperationDelete, OperationCreate, OperationClone, OperationExec:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// OperationState is a state of the operation state machine.
type OperationState string

const (
	// StateSubmitted means accepted locally, not yet sent.
	StateSubmitted OperationState = "submitted"

	// StateSent means the request is in flight.
	StateSent OperationState = "sent"

	// StatePolling means the remote accepted an asynchronous job and its
	// outcome is not known yet.
	StatePolling OperationState = "polling"

	// StateSucceeded is terminal.
	StateSucceeded OperationState = "succeeded"

	// StateFailed is terminal.
	StateFailed OperationState = "failed"

	// StateCancelled is terminal. The remote action may still have completed.
	StateCancelled OperationState = "cancelled"
)

// IsTerminal returns true if no further transition is possible.
func (s OperationState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsActive returns true if the operation still holds its container lock.
func (s OperationState) IsActive() bool {
	return s == StateSubmitted || s == StateSent || s == StatePolling
}

// transitions lists the allowed target states for every non-terminal state.
// Cancellation is allowed from every non-terminal state and is handled by
// OperationRegistry.Cancel.
var transitions = map[OperationState][]OperationState{
	StateSubmitted: {StateSent},
	StateSent:      {StatePolling, StateSucceeded, StateFailed},
	StatePolling:   {StatePolling, StateSucceeded, StateFailed},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to OperationState) bool {
	if to == StateCancelled {
		return !from.IsTerminal()
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ContainerStatus is the runtime status of a container as reported by LXD.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "Running"
	StatusStopped ContainerStatus = "Stopped"
	StatusFrozen  ContainerStatus = "Frozen"
	StatusError   ContainerStatus = "Error"
	StatusUnknown ContainerStatus = "Unknown"
)

// ParseContainerStatus maps an LXD status string onto a ContainerStatus.
// Unrecognized values map to StatusUnknown.
func ParseContainerStatus(s string) ContainerStatus {
	switch ContainerStatus(s) {
	case StatusRunning, StatusStopped, StatusFrozen, StatusError:
		return ContainerStatus(s)
	default:
		return StatusUnknown
	}
}

// RemotePhase is the normalized phase of a remote LXD operation.
type RemotePhase string

const (
	RemoteRunning   RemotePhase = "running"
	RemoteSucceeded RemotePhase = "succeeded"
	RemoteFailed    RemotePhase = "failed"
	RemoteCancelled RemotePhase = "cancelled"
)

// IsTerminal returns true if the remote job has finished.
func (p RemotePhase) IsTerminal() bool {
	return p != RemoteRunning
}

// ChangeKind is a bitmask describing which part of the visible state changed.
type ChangeKind uint8

const (
	// ChangeContainers means the container list changed.
	ChangeContainers ChangeKind = 1 << iota

	// ChangeOperations means the operation list changed.
	ChangeOperations

	// ChangeHealth means API connectivity changed.
	ChangeHealth
)

// Has reports whether all bits of other are set.
func (c ChangeKind) Has(other ChangeKind) bool {
	return c&other == other
}

// String returns a readable form such as "containers|operations".
func (c ChangeKind) String() string {
	var out string
	add := func(s string) {
		if out != "" {
			out += "|"
		}
		out += s
	}
	if c.Has(ChangeContainers) {
		add("containers")
	}
	if c.Has(ChangeOperations) {
		add("operations")
	}
	if c.Has(ChangeHealth) {
		add("health")
	}
	if out == "" {
		return "none"
	}
	return out
}
