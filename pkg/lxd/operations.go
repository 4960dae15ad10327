package lxd

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lxtui/lxtui/pkg/engine"
)

// GetOperation fetches the status of the operation at handle.
func (c *Client) GetOperation(ctx context.Context, handle string) (engine.RemoteStatus, error) {
	p, err := operationPath(handle)
	if err != nil {
		return engine.RemoteStatus{}, err
	}

	resp, err := c.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return engine.RemoteStatus{}, err
	}

	var op Operation
	if err := decodeMetadata(resp, &op); err != nil {
		return engine.RemoteStatus{}, err
	}
	return toRemoteStatus(op), nil
}

// CancelOperation asks the server to abort the operation at handle.
func (c *Client) CancelOperation(ctx context.Context, handle string) error {
	p, err := operationPath(handle)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, p, nil, nil)
	return err
}

// operationPath accepts a full operation path or a bare operation id.
func operationPath(handle string) (string, error) {
	switch {
	case handle == "":
		return "", engine.NewValidationError("empty operation handle")
	case strings.HasPrefix(handle, "/1.0/operations/"):
		if i := strings.IndexByte(handle, '?'); i >= 0 {
			handle = handle[:i]
		}
		return handle, nil
	case !strings.Contains(handle, "/"):
		return "/1.0/operations/" + handle, nil
	default:
		return "", engine.NewProtocolError(fmt.Sprintf("unexpected operation path %q", handle), nil)
	}
}

// operationID extracts the id from an operation path.
func operationID(handle string) string {
	if i := strings.IndexByte(handle, '?'); i >= 0 {
		handle = handle[:i]
	}
	return path.Base(handle)
}

// toRemoteStatus normalizes an LXD operation. A finished exec whose command
// exited non-zero is reported as failed.
func toRemoteStatus(op Operation) engine.RemoteStatus {
	st := engine.RemoteStatus{
		RemoteID: op.ID,
		Progress: parseProgress(op.Metadata),
	}

	switch op.StatusCode {
	case StatusSuccess:
		st.Phase = engine.RemoteSucceeded
		st.Progress = 100
	case StatusFailure:
		st.Phase = engine.RemoteFailed
		st.Message = op.Err
		if st.Message == "" {
			st.Message = "operation failed"
		}
	case StatusCancelled:
		st.Phase = engine.RemoteCancelled
		st.Message = op.Err
		if st.Message == "" {
			st.Message = "operation cancelled"
		}
	default:
		st.Phase = engine.RemoteRunning
	}

	if code, ok := exitCode(op.Metadata); ok {
		st.ExitCode = &code
		if st.Phase == engine.RemoteSucceeded && code != 0 {
			st.Phase = engine.RemoteFailed
			st.Message = fmt.Sprintf("command exited with status %d", code)
		}
	}
	return st
}

func exitCode(metadata map[string]interface{}) (int, bool) {
	switch v := metadata["return"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// parseProgress reads metadata.progress, or the first "*_progress" value
// containing a percentage such as "rootfs: 45% (12.3MB/s)".
func parseProgress(metadata map[string]interface{}) int {
	if len(metadata) == 0 {
		return engine.ProgressIndeterminate
	}

	if p, ok := progressValue(metadata["progress"]); ok {
		return p
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		if strings.HasSuffix(k, "_progress") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p, ok := progressValue(metadata[k]); ok {
			return p
		}
	}
	return engine.ProgressIndeterminate
}

func progressValue(v interface{}) (int, bool) {
	switch v := v.(type) {
	case float64:
		return clampPercent(int(v)), true
	case string:
		if m := percentPattern.FindStringSubmatch(v); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return clampPercent(n), true
			}
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return clampPercent(n), true
		}
	case map[string]interface{}:
		// Newer servers report {"percent": "45", "stage": "...", "speed": "..."}.
		return progressValue(v["percent"])
	}
	return 0, false
}

func clampPercent(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
