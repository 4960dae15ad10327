package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type intentKind int

const (
	intentSubmit intentKind = iota
	intentCancel
	intentRefresh
)

// intent is a user action handed to the event loop.
type intent struct {
	kind  intentKind
	req   Request
	id    string
	reply chan intentReply
}

type intentReply struct {
	op  Operation
	err error
}

// RequestStart starts a stopped container.
func (e *Engine) RequestStart(ctx context.Context, name string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationStart, Target: name})
}

// RequestStop stops a running container.
func (e *Engine) RequestStop(ctx context.Context, name string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationStop, Target: name})
}

// RequestRestart restarts a running container.
func (e *Engine) RequestRestart(ctx context.Context, name string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationRestart, Target: name})
}

// RequestDelete deletes a stopped container.
func (e *Engine) RequestDelete(ctx context.Context, name string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationDelete, Target: name})
}

// RequestClone copies a container under a new name.
func (e *Engine) RequestClone(ctx context.Context, source, newName string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationClone, Target: source, NewName: newName})
}

// RequestCreate creates a container from an image.
func (e *Engine) RequestCreate(ctx context.Context, spec ContainerSpec) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationCreate, Spec: &spec})
}

// RequestExec runs a non-interactive command in a running container.
func (e *Engine) RequestExec(ctx context.Context, name string, command []string) (Operation, error) {
	return e.Submit(ctx, Request{Kind: OperationExec, Target: name, Command: command})
}

// Submit validates req, registers an operation and dispatches it. It never
// waits for the remote action; the returned snapshot is in the submitted
// state and moves to sent once its worker issues the first request.
func (e *Engine) Submit(ctx context.Context, req Request) (Operation, error) {
	return e.send(ctx, intent{kind: intentSubmit, req: req})
}

// CancelOperation cancels a non-terminal operation. The container lock is
// released immediately; the remote job is asked to abort on a best-effort
// basis.
func (e *Engine) CancelOperation(ctx context.Context, id string) (Operation, error) {
	return e.send(ctx, intent{kind: intentCancel, id: id})
}

// RequestRefresh schedules a container list refresh.
func (e *Engine) RequestRefresh(ctx context.Context) error {
	_, err := e.send(ctx, intent{kind: intentRefresh})
	return err
}

func (e *Engine) send(ctx context.Context, in intent) (Operation, error) {
	in.reply = make(chan intentReply, 1)

	select {
	case e.intents <- in:
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	case <-e.done:
		return Operation{}, ErrEngineStopped
	}

	select {
	case r := <-in.reply:
		return r.op, r.err
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	case <-e.done:
		return Operation{}, ErrEngineStopped
	}
}

// handleIntent runs on the loop goroutine.
func (e *Engine) handleIntent(ctx context.Context, in intent) {
	var r intentReply
	switch in.kind {
	case intentSubmit:
		r.op, r.err = e.dispatch(ctx, in.req)
	case intentCancel:
		r.op, r.err = e.cancel(ctx, in.id)
	case intentRefresh:
		e.requestRefresh(ctx)
	}
	in.reply <- r
}

// drainIntents handles every intent already queued. It runs before worker
// updates are applied so that a cancel submitted first always wins.
func (e *Engine) drainIntents(ctx context.Context) {
	for {
		select {
		case in := <-e.intents:
			e.handleIntent(ctx, in)
		default:
			return
		}
	}
}

var nameValidator = validator.New(validator.WithRequiredStructEnabled())

// validateName checks an LXD instance name: a DNS label of at most 63
// characters.
func validateName(name string) error {
	if name == "" {
		return NewValidationError("container name is required")
	}
	if err := nameValidator.Var(name, "hostname_rfc1123,max=63"); err != nil || strings.Contains(name, ".") {
		return NewValidationError(fmt.Sprintf("invalid container name %q", name)).WithTarget(name)
	}
	return nil
}

// validateRequest checks req against the current container registry before
// any API call is made.
func (e *Engine) validateRequest(req Request) error {
	if err := req.Kind.Validate(); err != nil {
		return NewValidationError(err.Error())
	}

	switch req.Kind {
	case OperationCreate:
		if req.Spec == nil {
			return NewValidationError("create requires a container spec")
		}
		if err := validateName(req.Spec.Name); err != nil {
			return err
		}
		if err := nameValidator.Struct(req.Spec); err != nil {
			return NewValidationError(fmt.Sprintf("invalid container spec: %v", err)).WithTarget(req.Spec.Name)
		}
		return e.checkNameFree(req.Spec.Name)
	}

	if err := validateName(req.Target); err != nil {
		return err
	}
	if active, ok := e.ops.Active(req.Target); ok {
		return NewConflictError(
			fmt.Sprintf("operation %s is already in progress", active.Description),
		).WithTarget(req.Target)
	}

	c, ok := e.containers.Get(req.Target)
	if !ok {
		return NewValidationError(fmt.Sprintf("container '%s' not found", req.Target)).WithTarget(req.Target)
	}

	var problem string
	switch req.Kind {
	case OperationStart:
		if c.Status == StatusRunning {
			problem = "is already running"
		}
	case OperationStop:
		if c.Status == StatusStopped {
			problem = "is already stopped"
		}
	case OperationRestart:
		if c.Status != StatusRunning {
			problem = "is not running"
		}
	case OperationExec:
		if c.Status != StatusRunning {
			problem = "is not running"
		} else if len(req.Command) == 0 {
			return NewValidationError("exec requires a command").WithTarget(req.Target)
		}
	case OperationClone:
		if err := validateName(req.NewName); err != nil {
			return err
		}
		return e.checkNameFree(req.NewName)
	}
	if problem != "" {
		return NewValidationError(fmt.Sprintf("container '%s' %s", req.Target, problem)).WithTarget(req.Target)
	}
	return nil
}

// steps expands req into the API requests that carry it out. A running
// container is force-stopped before it is deleted.
func (e *Engine) steps(req Request) []Request {
	if req.Kind == OperationDelete {
		if c, ok := e.containers.Get(req.Target); ok && c.Status == StatusRunning {
			return []Request{{Kind: OperationStop, Target: req.Target, Force: true}, req}
		}
	}
	return []Request{req}
}

// checkNameFree rejects names that exist or are about to be created by an
// active create or clone.
func (e *Engine) checkNameFree(name string) error {
	if _, ok := e.containers.Get(name); ok {
		return NewValidationError(fmt.Sprintf("container '%s' already exists", name)).WithTarget(name)
	}
	for _, op := range e.ops.List() {
		if !op.State.IsActive() {
			continue
		}
		if (op.Kind == OperationCreate && op.Request.Subject() == name) ||
			(op.Kind == OperationClone && op.Request.NewName == name) {
			return NewConflictError(
				fmt.Sprintf("operation %s is already creating '%s'", op.Description, name),
			).WithTarget(name)
		}
	}
	return nil
}
