package protocol

import (
	"encoding/json"
	"fmt"
)

// A command sent by the coordinator to a worker.
type Command interface {
	CommandName() string
}

// Instructs the worker to compute a task.
type ComputeTask struct {
	Key string `json:"key"`

	// Opaque payload needed to execute the task.
	// Decoded by the executor's task runner, not by the worker.
	RunSpec []byte `json:"run_spec"`

	// Keys of tasks that must be in memory before execution.
	Dependencies []string `json:"dependencies,omitempty"`

	// Peer addresses believed to hold each dependency.
	WhoHas map[string][]string `json:"who_has,omitempty"`

	// Estimated value size per dependency key, in bytes.
	NBytes map[string]int64 `json:"nbytes,omitempty"`

	// Opaque annotations attached by the coordinator. Merged into
	// the task's metadata bag; retained across resubmission.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Coordinator-assigned total order. Lower sorts first.
	Priority []int `json:"priority,omitempty"`

	// Units consumed from named resource pools while executing.
	Resources map[string]int64 `json:"resources,omitempty"`

	// The executor role that runs the task.
	Executor ExecutorRole `json:"executor,omitempty"`
}

func (*ComputeTask) CommandName() string { return "compute-task" }

// Instructs the worker to fetch replicas of keys from peers.
type AcquireReplicas struct {
	WhoHas map[string][]string `json:"who_has"`
	NBytes map[string]int64    `json:"nbytes,omitempty"`
}

func (*AcquireReplicas) CommandName() string { return "acquire-replicas" }

// Informs the worker that the coordinator intends to drop it
// from the replica set of the given keys.
type RemoveReplicas struct {
	Keys []string `json:"keys"`
}

func (*RemoveReplicas) CommandName() string { return "remove-replicas" }

// Requests that a not yet running task is given up for
// execution elsewhere.
type StealRequest struct {
	Key string `json:"key"`
}

func (*StealRequest) CommandName() string { return "steal-request" }

// Releases keys that are no longer wanted by the coordinator.
type FreeKeys struct {
	Keys   []string `json:"keys"`
	Reason string   `json:"reason,omitempty"`
}

func (*FreeKeys) CommandName() string { return "free-keys" }

var commandFactories = map[string]func() Command{
	(*ComputeTask)(nil).CommandName():     func() Command { return &ComputeTask{} },
	(*AcquireReplicas)(nil).CommandName(): func() Command { return &AcquireReplicas{} },
	(*RemoveReplicas)(nil).CommandName():  func() Command { return &RemoveReplicas{} },
	(*StealRequest)(nil).CommandName():    func() Command { return &StealRequest{} },
	(*FreeKeys)(nil).CommandName():        func() Command { return &FreeKeys{} },
}

type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeCommand serializes a command into a tagged envelope.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{Name: cmd.CommandName(), Payload: payload})
}

// DecodeCommand deserializes a command from a tagged envelope.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	factory, ok := commandFactories[env.Name]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", env.Name)
	}

	cmd := factory()
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, err
	}

	return cmd, nil
}
