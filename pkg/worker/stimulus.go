package worker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srand/grid/pkg/protocol"
)

// A stimulus is a discrete typed event driving one atomic
// state machine step.
type Stimulus interface {
	// A unique id tying together all transitions and events
	// caused by this stimulus.
	StimulusID() string
}

// NewStimulusID creates a unique stimulus id with a readable prefix.
func NewStimulusID(name string) string {
	uid, _ := uuid.NewRandom()
	return fmt.Sprintf("%s-%s", name, uid.String()[:8])
}

type stimulus struct {
	ID string
}

func (s *stimulus) StimulusID() string {
	return s.ID
}

// A compute-task command from the coordinator.
type ComputeTaskStimulus struct {
	stimulus
	Command *protocol.ComputeTask
}

func NewComputeTaskStimulus(cmd *protocol.ComputeTask) *ComputeTaskStimulus {
	return &ComputeTaskStimulus{stimulus{NewStimulusID("compute-task")}, cmd}
}

// An acquire-replicas command from the coordinator.
type AcquireReplicasStimulus struct {
	stimulus
	Command *protocol.AcquireReplicas
}

func NewAcquireReplicasStimulus(cmd *protocol.AcquireReplicas) *AcquireReplicasStimulus {
	return &AcquireReplicasStimulus{stimulus{NewStimulusID("acquire-replicas")}, cmd}
}

// A remove-replicas command from the coordinator.
type RemoveReplicasStimulus struct {
	stimulus
	Keys []string
}

func NewRemoveReplicasStimulus(keys []string) *RemoveReplicasStimulus {
	return &RemoveReplicasStimulus{stimulus{NewStimulusID("remove-replicas")}, keys}
}

// A steal-request command from the coordinator.
type StealRequestStimulus struct {
	stimulus
	Key string
}

func NewStealRequestStimulus(key string) *StealRequestStimulus {
	return &StealRequestStimulus{stimulus{NewStimulusID("steal-request")}, key}
}

// A free-keys command from the coordinator.
type FreeKeysStimulus struct {
	stimulus
	Keys []string
}

func NewFreeKeysStimulus(keys []string) *FreeKeysStimulus {
	return &FreeKeysStimulus{stimulus{NewStimulusID("free-keys")}, keys}
}

// A task execution completed successfully.
type ExecuteSuccessStimulus struct {
	stimulus
	Key   string
	Value []byte
	Start time.Time
	Stop  time.Time
}

func NewExecuteSuccessStimulus(key string, value []byte, start, stop time.Time) *ExecuteSuccessStimulus {
	return &ExecuteSuccessStimulus{stimulus{NewStimulusID("execute-success")}, key, value, start, stop}
}

// A task execution failed.
type ExecuteFailureStimulus struct {
	stimulus
	Key string
	Err *protocol.TaskError
}

func NewExecuteFailureStimulus(key string, err *protocol.TaskError) *ExecuteFailureStimulus {
	return &ExecuteFailureStimulus{stimulus{NewStimulusID("execute-failure")}, key, err}
}

// A running task seceded from its executor pool and will block
// indefinitely.
type SecedeStimulus struct {
	stimulus
	Key string
}

func NewSecedeStimulus(key string) *SecedeStimulus {
	return &SecedeStimulus{stimulus{NewStimulusID("secede")}, key}
}

// A gather batch completed, successfully or not.
// Err is set on transport failure; busy and partial responses
// arrive as a regular Response.
type GatherDoneStimulus struct {
	stimulus
	Peer     string
	Keys     []string
	Response *protocol.GetDataResponse
	Err      error
	Start    time.Time
	Stop     time.Time
}

func NewGatherDoneStimulus(peer string, keys []string, response *protocol.GetDataResponse, err error, start, stop time.Time) *GatherDoneStimulus {
	return &GatherDoneStimulus{stimulus{NewStimulusID("gather-done")}, peer, keys, response, err, start, stop}
}

// A busy peer's backoff delay has expired.
type RetryPeerStimulus struct {
	stimulus
	Peer string
}

func NewRetryPeerStimulus(peer string) *RetryPeerStimulus {
	return &RetryPeerStimulus{stimulus{NewStimulusID("retry-peer")}, peer}
}
