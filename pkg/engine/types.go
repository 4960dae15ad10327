package engine

import (
	"fmt"
	"time"
)

// Container is a snapshot of one LXD instance.
type Container struct {
	// Name is the unique, stable key of the container.
	Name string `json:"name"`

	// Status is the runtime status.
	Status ContainerStatus `json:"status"`

	// Type is "container" or "virtual-machine".
	Type string `json:"type"`

	// Image describes the image the container was created from.
	Image string `json:"image,omitempty"`

	// CreatedAt is when the container was created on the server.
	CreatedAt time.Time `json:"created_at"`

	// Usage is a best-effort resource usage snapshot and may be stale.
	Usage Usage `json:"usage"`

	// Addresses lists the global IPv4 and IPv6 addresses.
	Addresses []string `json:"addresses,omitempty"`

	// Profiles lists the applied LXD profiles.
	Profiles []string `json:"profiles,omitempty"`
}

// Usage is a resource usage snapshot.
type Usage struct {
	// CPUSeconds is the cumulative CPU time consumed.
	CPUSeconds float64 `json:"cpu_seconds"`

	// MemoryBytes is the current memory usage.
	MemoryBytes int64 `json:"memory_bytes"`

	// Processes is the number of processes, when known.
	Processes int64 `json:"processes"`
}

// Equal compares two snapshots field by field.
func (c Container) Equal(o Container) bool {
	if c.Name != o.Name || c.Status != o.Status || c.Type != o.Type ||
		c.Image != o.Image || !c.CreatedAt.Equal(o.CreatedAt) || c.Usage != o.Usage {
		return false
	}
	return equalStrings(c.Addresses, o.Addresses) && equalStrings(c.Profiles, o.Profiles)
}

func (c Container) clone() Container {
	c.Addresses = append([]string(nil), c.Addresses...)
	c.Profiles = append([]string(nil), c.Profiles...)
	return c
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	// Name of the new container.
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123,max=63"`

	// Image is an image reference such as "ubuntu:24.04" or "images:alpine/3.20".
	Image string `json:"image" yaml:"image" validate:"required"`

	// VM creates a virtual machine instead of a system container.
	VM bool `json:"vm,omitempty" yaml:"vm"`

	// CPULimit sets limits.cpu.
	CPULimit string `json:"cpu_limit,omitempty" yaml:"cpu_limit"`

	// MemoryLimit sets limits.memory, e.g. "2GiB".
	MemoryLimit string `json:"memory_limit,omitempty" yaml:"memory_limit"`

	// Profiles applied to the instance. Empty means the server default.
	Profiles []string `json:"profiles,omitempty" yaml:"profiles"`

	// Start starts the container once it is created.
	Start bool `json:"start" yaml:"start"`
}

// InstanceType returns the LXD instance type for the spec.
func (s ContainerSpec) InstanceType() string {
	if s.VM {
		return "virtual-machine"
	}
	return "container"
}

// Request is a user action to be tracked as an Operation.
type Request struct {
	// Kind is the action.
	Kind OperationKind `json:"kind"`

	// Target is the existing container acted upon. Empty for create.
	Target string `json:"target,omitempty"`

	// NewName is the clone destination.
	NewName string `json:"new_name,omitempty"`

	// Spec describes the container to create.
	Spec *ContainerSpec `json:"spec,omitempty"`

	// Command is the argv run by exec.
	Command []string `json:"command,omitempty"`

	// Force stops or restarts without waiting for a clean shutdown.
	Force bool `json:"force,omitempty"`
}

// Subject returns the container name the request is about: the target for
// actions on existing containers, the new name for create.
func (r Request) Subject() string {
	if r.Kind == OperationCreate && r.Spec != nil {
		return r.Spec.Name
	}
	return r.Target
}

// Describe returns a short human-readable summary such as "Start 'web1'".
func (r Request) Describe() string {
	switch r.Kind {
	case OperationStart:
		return fmt.Sprintf("Start '%s'", r.Target)
	case OperationStop:
		return fmt.Sprintf("Stop '%s'", r.Target)
	case OperationRestart:
		return fmt.Sprintf("Restart '%s'", r.Target)
	case OperationDelete:
		return fmt.Sprintf("Delete '%s'", r.Target)
	case OperationClone:
		return fmt.Sprintf("Clone '%s' to '%s'", r.Target, r.NewName)
	case OperationExec:
		return fmt.Sprintf("Exec in '%s'", r.Target)
	case OperationCreate:
		if r.Spec == nil {
			return "Create container"
		}
		what := "container"
		if r.Spec.VM {
			what = "VM"
		}
		return fmt.Sprintf("Create %s '%s' from '%s'", what, r.Spec.Name, r.Spec.Image)
	}
	return string(r.Kind)
}

// ProgressIndeterminate marks an operation whose progress is unknown.
const ProgressIndeterminate = -1

// Operation is a locally tracked user action and its lifecycle.
type Operation struct {
	// ID is the local correlation id, assigned at submission.
	ID string `json:"id"`

	// RemoteID is the LXD operation id, once known.
	RemoteID string `json:"remote_id,omitempty"`

	// Kind is the action.
	Kind OperationKind `json:"kind"`

	// Target is the container acted upon. Empty for create.
	Target string `json:"target,omitempty"`

	// Request is the full request the operation was created from.
	Request Request `json:"request"`

	// Description is a short human-readable summary.
	Description string `json:"description"`

	// State is the current state machine state.
	State OperationState `json:"state"`

	// Progress is 0-100, or ProgressIndeterminate.
	Progress int `json:"progress"`

	// Err is the last error, if any.
	Err error `json:"-"`

	// Retries is the number of times a call was re-issued.
	Retries int `json:"retries"`

	// ExitCode is the exit status of an exec command.
	ExitCode *int `json:"exit_code,omitempty"`

	// CreatedAt is when the intent was accepted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last transition or progress update.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set once the operation is terminal.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// handle is the remote operation path used for polling and cancellation.
	handle string
}

// Handle returns the remote operation path, if any.
func (o Operation) Handle() string {
	return o.handle
}

// Duration returns how long the operation ran, or has been running.
func (o Operation) Duration() time.Duration {
	if !o.CompletedAt.IsZero() {
		return o.CompletedAt.Sub(o.CreatedAt)
	}
	return time.Since(o.CreatedAt)
}

// SubmitResult is what the API client returns for a submitted request.
type SubmitResult struct {
	// Handle is the remote operation path. Empty when the action completed
	// synchronously.
	Handle string

	// RemoteID is the remote operation id, when the response carried one.
	RemoteID string
}

// RemoteStatus is the normalized shape of a status update, whether it came
// from polling or from the event stream.
type RemoteStatus struct {
	// RemoteID is the remote operation id.
	RemoteID string

	// Phase is the normalized remote phase.
	Phase RemotePhase

	// Progress is 0-100, or ProgressIndeterminate.
	Progress int

	// Message is the remote error message for failed jobs.
	Message string

	// ExitCode is reported by exec jobs.
	ExitCode *int

	// Err is set when the status could not be obtained. Phase is ignored then.
	Err error
}

// Diff describes what changed in the container registry.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty returns true if nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Health reports API connectivity as observed by the heartbeat refresh.
type Health struct {
	// Connected is false after a failed refresh until the next successful one.
	Connected bool `json:"connected"`

	// LastError is the error of the failed refresh.
	LastError error `json:"-"`

	// Since is when the current connectivity state began.
	Since time.Time `json:"since"`

	// LastRefresh is the time of the last successful refresh.
	LastRefresh time.Time `json:"last_refresh"`
}
