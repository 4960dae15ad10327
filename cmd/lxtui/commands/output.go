package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lxtui/lxtui/pkg/engine"
)

// ExitError carries the exit status of a command run inside a container.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

func stateSymbol(state engine.OperationState) string {
	switch state {
	case engine.StateSucceeded:
		return "✓"
	case engine.StateFailed:
		return "✗"
	case engine.StateCancelled:
		return "⊘"
	default:
		return "•"
	}
}

// formatResult renders a finished operation on one line, for example
// "✓ Start 'web1' succeeded in 1.2s".
func formatResult(op engine.Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s in %s", stateSymbol(op.State), op.Description, op.State,
		op.Duration().Round(100*time.Millisecond))

	var details []string
	if op.Retries > 0 {
		details = append(details, fmt.Sprintf("%d retries", op.Retries))
	}
	if op.ExitCode != nil {
		details = append(details, fmt.Sprintf("exit code %d", *op.ExitCode))
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	if op.Err != nil && op.State != engine.StateSucceeded {
		fmt.Fprintf(&b, ": %v", op.Err)
	}
	return b.String()
}

// formatProgress renders an in-flight operation.
func formatProgress(op engine.Operation) string {
	if op.Progress == engine.ProgressIndeterminate || op.State != engine.StatePolling {
		return fmt.Sprintf("%s %s %s", stateSymbol(op.State), op.Description, op.State)
	}
	return fmt.Sprintf("%s %s %s %d%%", stateSymbol(op.State), op.Description, op.State, op.Progress)
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatAddresses returns the first address and a count of the rest.
func formatAddresses(addrs []string) string {
	switch len(addrs) {
	case 0:
		return "-"
	case 1:
		return addrs[0]
	default:
		return fmt.Sprintf("%s (+%d)", addrs[0], len(addrs)-1)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// operationJSON adds the error message, which Operation does not marshal.
type operationJSON struct {
	engine.Operation
	Error string `json:"error,omitempty"`
}

func toOperationJSON(op engine.Operation) operationJSON {
	out := operationJSON{Operation: op}
	if op.Err != nil {
		out.Error = op.Err.Error()
	}
	return out
}
