package lxd

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResponseType is the type of an LXD response envelope.
type ResponseType string

const (
	// ResponseSync is a response carrying its result directly.
	ResponseSync ResponseType = "sync"
	// ResponseAsync is a response pointing at a background operation.
	ResponseAsync ResponseType = "async"
	// ResponseError is a failed request.
	ResponseError ResponseType = "error"
)

// Validate checks if the response type is known.
func (t ResponseType) Validate() error {
	switch t {
	case ResponseSync, ResponseAsync, ResponseError:
		return nil
	default:
		return fmt.Errorf("invalid response type: %q", t)
	}
}

// Response is the envelope of every LXD REST response.
type Response struct {
	Type       ResponseType    `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Operation  string          `json:"operation"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Operation status codes.
const (
	StatusCreated   = 100
	StatusStarted   = 101
	StatusStopped   = 102
	StatusRunning   = 103
	StatusCanceling = 104
	StatusPending   = 105
	StatusStarting  = 106
	StatusStopping  = 107
	StatusAborting  = 108
	StatusFreezing  = 109
	StatusSuccess   = 200
	StatusFailure   = 400
	StatusCancelled = 401
)

// Operation is a background job on the server.
type Operation struct {
	ID          string                 `json:"id"`
	Class       string                 `json:"class"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Status      string                 `json:"status"`
	StatusCode  int                    `json:"status_code"`
	Resources   map[string][]string    `json:"resources"`
	Metadata    map[string]interface{} `json:"metadata"`
	MayCancel   bool                   `json:"may_cancel"`
	Err         string                 `json:"err"`
}

// Instance is an instance as returned by GET /1.0/instances?recursion=2.
type Instance struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Status          string            `json:"status"`
	StatusCode      int               `json:"status_code"`
	Type            string            `json:"type"`
	Architecture    string            `json:"architecture"`
	CreatedAt       time.Time         `json:"created_at"`
	Config          map[string]string `json:"config"`
	Profiles        []string          `json:"profiles"`
	Ephemeral       bool              `json:"ephemeral"`
	Stateful        bool              `json:"stateful"`
	Project         string            `json:"project"`
	State           *InstanceState    `json:"state"`
}

// InstanceState is the runtime state of an instance.
type InstanceState struct {
	Status     string                  `json:"status"`
	StatusCode int                     `json:"status_code"`
	CPU        InstanceStateCPU        `json:"cpu"`
	Memory     InstanceStateMemory     `json:"memory"`
	Network    map[string]NetworkState `json:"network"`
	Pid        int64                   `json:"pid"`
	Processes  int64                   `json:"processes"`
}

// InstanceStateCPU holds CPU usage in nanoseconds.
type InstanceStateCPU struct {
	Usage int64 `json:"usage"`
}

// InstanceStateMemory holds memory usage in bytes.
type InstanceStateMemory struct {
	Usage     int64 `json:"usage"`
	UsagePeak int64 `json:"usage_peak"`
}

// NetworkState is the state of one instance network interface.
type NetworkState struct {
	Addresses []NetworkAddress `json:"addresses"`
	Hwaddr    string           `json:"hwaddr"`
	State     string           `json:"state"`
	Type      string           `json:"type"`
}

// NetworkAddress is one address of a network interface.
type NetworkAddress struct {
	Family  string `json:"family"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	Scope   string `json:"scope"`
}

// InstanceStatePut is the body of PUT /1.0/instances/<name>/state.
type InstanceStatePut struct {
	Action   string `json:"action"`
	Timeout  int    `json:"timeout"`
	Force    bool   `json:"force"`
	Stateful bool   `json:"stateful"`
}

// InstanceSource describes where a new instance comes from.
type InstanceSource struct {
	Type     string `json:"type"`
	Alias    string `json:"alias,omitempty"`
	Server   string `json:"server,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Source   string `json:"source,omitempty"`
}

// InstancesPost is the body of POST /1.0/instances.
type InstancesPost struct {
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	Source   InstanceSource    `json:"source"`
	Config   map[string]string `json:"config,omitempty"`
	Profiles []string          `json:"profiles,omitempty"`
	Start    bool              `json:"start"`
}

// InstanceExecPost is the body of POST /1.0/instances/<name>/exec.
type InstanceExecPost struct {
	Command      []string          `json:"command"`
	Environment  map[string]string `json:"environment,omitempty"`
	WaitForWS    bool              `json:"wait-for-websocket"`
	Interactive  bool              `json:"interactive"`
	RecordOutput bool              `json:"record-output"`
}

// Server is the subset of GET /1.0 used for health checks.
type Server struct {
	APIVersion  string   `json:"api_version"`
	APIStatus   string   `json:"api_status"`
	Auth        string   `json:"auth"`
	Environment struct {
		ServerVersion string `json:"server_version"`
		Server        string `json:"server"`
	} `json:"environment"`
	APIExtensions []string `json:"api_extensions"`
}

// Event is one message of the /1.0/events stream.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
	Location  string          `json:"location,omitempty"`
	Project   string          `json:"project,omitempty"`
}
