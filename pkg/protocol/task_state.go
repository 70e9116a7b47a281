package protocol

// The lifecycle state of a task on a worker.
type TaskState string

const (
	// The task is known but not wanted; retained only while referenced.
	TaskReleased = TaskState("released")
	// The task has dependencies that are not yet in memory.
	TaskWaiting = TaskState("waiting")
	// All dependencies are in memory and the task can be executed.
	TaskReady = TaskState("ready")
	// The task is running on an executor pool.
	TaskExecuting = TaskState("executing")
	// The task is running but has seceded from its executor pool
	// and no longer occupies an executor slot.
	TaskLongRunning = TaskState("long-running")
	// The task value is present in the data store.
	TaskMemory = TaskState("memory")
	// The task failed; the error is retained until the task is released.
	TaskErrored = TaskState("error")
	// The task value is queued to be transferred from a peer.
	TaskFetch = TaskState("fetch")
	// The task value is actively being transferred from a peer.
	TaskFlight = TaskState("flight")
	// No known peer holds the task value.
	TaskMissing = TaskState("missing")
	// The task was released while an operation was in flight.
	// The operation's eventual completion will be discarded.
	TaskCancelled = TaskState("cancelled")
	// A cancelled task that is wanted again before its stale
	// operation has completed.
	TaskResumed = TaskState("resumed")
	// The task has been removed from the store.
	// Never a resident state; only reported in events.
	TaskForgotten = TaskState("forgotten")
)

// Returns true if an asynchronous operation may be outstanding
// for a task in this state.
func (state TaskState) IsTransient() bool {
	switch state {
	case TaskExecuting, TaskLongRunning, TaskFlight, TaskCancelled, TaskResumed:
		return true
	default:
		return false
	}
}

// Returns true if a task in this state must have a non-empty
// set of replica holders.
func (state TaskState) WantsWhoHas() bool {
	switch state {
	case TaskFetch, TaskFlight:
		return true
	default:
		return false
	}
}
