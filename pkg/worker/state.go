package worker

import (
	"time"

	"github.com/srand/grid/pkg/protocol"
)

// A coordinator-assigned total order for scheduling.
// Lower sorts first. A nil priority ranks after all assigned ones.
type Priority []int

// Compares two priorities. Insertion order breaks ties.
func comparePriority(a, b Priority, aGen, bGen int64) int {
	if a == nil && b != nil {
		return 1
	}
	if a != nil && b == nil {
		return -1
	}

	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}

	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}

	if aGen < bGen {
		return -1
	}
	if aGen > bGen {
		return 1
	}
	return 0
}

// The per-key record tracked by a worker.
// Owned exclusively by the Machine; all mutation happens on the
// dispatcher's stimulus processing path.
type TaskState struct {
	// The unique key of the task.
	Key string

	// The current lifecycle state.
	state protocol.TaskState

	// Tasks this task needs in memory before executing.
	Dependencies map[*TaskState]struct{}

	// Tasks that need this task. Back-references only; a task
	// never owns its dependents.
	Dependents map[*TaskState]struct{}

	// Dependencies not yet in memory.
	WaitingFor map[*TaskState]struct{}

	// Peer addresses believed to hold a replica.
	// Non-empty only while in fetch, flight or memory.
	WhoHas map[string]struct{}

	// Opaque payload needed to execute the task.
	// Absent for tasks acquired purely as replicas.
	RunSpec []byte

	// Scheduling order. May be nil for directly injected data.
	Priority Priority

	// Insertion-order tiebreak, assigned lazily when the task
	// first needs to be sortable.
	generation int64

	// Units consumed from named resource pools while executing.
	Resources map[string]int64

	// The executor role that runs the task.
	Executor protocol.ExecutorRole

	// Estimated value size in bytes.
	NBytes int64

	// Count of anomalous events, e.g. a peer claiming to hold
	// data it does not.
	SuspiciousCount int

	// The peer servicing an in-flight fetch, if any.
	ComingFrom string

	// True when the most recent asynchronous operation for this
	// task has completed. A transient-state task with a completed
	// operation is an invariant violation.
	Done bool

	// Opaque key/value bag for external collaborators.
	Metadata map[string]interface{}

	// The state wrapped by cancelled or resumed.
	Previous protocol.TaskState

	// The desired target state while resumed.
	Next protocol.TaskState

	// A compute command received while the task was cancelled,
	// applied once the stale operation completes.
	pendingCompute *protocol.ComputeTask

	// The captured failure while in error state.
	Err *protocol.TaskError

	// Execution timing.
	StartTime time.Time
	StopTime  time.Time

	// True if the coordinator asked this worker to hold or
	// compute the key. Cleared by free-keys.
	wanted bool

	// True while the task occupies an executor slot.
	occupiesSlot bool
}

func newTaskState(key string) *TaskState {
	return &TaskState{
		Key:          key,
		state:        protocol.TaskReleased,
		Dependencies: map[*TaskState]struct{}{},
		Dependents:   map[*TaskState]struct{}{},
		WaitingFor:   map[*TaskState]struct{}{},
		WhoHas:       map[string]struct{}{},
	}
}

// The current lifecycle state of the task.
func (ts *TaskState) State() protocol.TaskState {
	return ts.state
}

// Returns the peers believed to hold a replica, sorted order not guaranteed.
func (ts *TaskState) Holders() []string {
	holders := make([]string, 0, len(ts.WhoHas))
	for peer := range ts.WhoHas {
		holders = append(holders, peer)
	}
	return holders
}

// Returns true if any dependent still needs this task's value.
func (ts *TaskState) HasActiveDependent() bool {
	for dep := range ts.Dependents {
		switch dep.state {
		case protocol.TaskWaiting, protocol.TaskReady, protocol.TaskExecuting,
			protocol.TaskLongRunning, protocol.TaskCancelled, protocol.TaskResumed:
			return true
		}
	}
	return false
}
