package worker

import (
	"github.com/srand/grid/pkg/protocol"
)

type transitionKey struct {
	start  protocol.TaskState
	finish protocol.TaskState
}

// A pure mapping from (current state, requested state) to the
// actual state change plus follow-up recommendations and side
// effect instructions.
type transitionFunc func(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction)

var transitionTable = map[transitionKey]transitionFunc{
	{protocol.TaskReleased, protocol.TaskWaiting}:   transitionReleasedWaiting,
	{protocol.TaskReleased, protocol.TaskFetch}:     transitionToFetch,
	{protocol.TaskReleased, protocol.TaskMissing}:   transitionToMissing,
	{protocol.TaskReleased, protocol.TaskForgotten}: transitionReleasedForgotten,

	{protocol.TaskMissing, protocol.TaskFetch}:    transitionToFetch,
	{protocol.TaskMissing, protocol.TaskReleased}: transitionStableReleased,

	{protocol.TaskWaiting, protocol.TaskReady}:    transitionWaitingReady,
	{protocol.TaskWaiting, protocol.TaskReleased}: transitionStableReleased,

	{protocol.TaskReady, protocol.TaskExecuting}: transitionReadyExecuting,
	{protocol.TaskReady, protocol.TaskReleased}:  transitionReadyReleased,

	{protocol.TaskExecuting, protocol.TaskMemory}:      transitionToMemory,
	{protocol.TaskExecuting, protocol.TaskErrored}:     transitionToError,
	{protocol.TaskExecuting, protocol.TaskLongRunning}: transitionExecutingLongRunning,
	{protocol.TaskExecuting, protocol.TaskReleased}:    transitionTransientCancelled,

	{protocol.TaskLongRunning, protocol.TaskMemory}:   transitionToMemory,
	{protocol.TaskLongRunning, protocol.TaskErrored}:  transitionToError,
	{protocol.TaskLongRunning, protocol.TaskReleased}: transitionTransientCancelled,

	{protocol.TaskFetch, protocol.TaskFlight}:   transitionFetchFlight,
	{protocol.TaskFetch, protocol.TaskReleased}: transitionFetchReleased,
	{protocol.TaskFetch, protocol.TaskMissing}:  transitionFetchMissing,

	{protocol.TaskFlight, protocol.TaskMemory}:   transitionToMemory,
	{protocol.TaskFlight, protocol.TaskFetch}:    transitionFlightFetch,
	{protocol.TaskFlight, protocol.TaskMissing}:  transitionFlightMissing,
	{protocol.TaskFlight, protocol.TaskWaiting}:  transitionFlightWaiting,
	{protocol.TaskFlight, protocol.TaskReleased}: transitionTransientCancelled,

	{protocol.TaskMemory, protocol.TaskReleased}:  transitionMemoryReleased,
	{protocol.TaskErrored, protocol.TaskReleased}: transitionErrorReleased,

	{protocol.TaskCancelled, protocol.TaskReleased}: transitionCancelledReleased,
	{protocol.TaskCancelled, protocol.TaskResumed}:  transitionCancelledResumed,

	{protocol.TaskResumed, protocol.TaskCancelled}: transitionResumedCancelled,
	{protocol.TaskResumed, protocol.TaskMemory}:    transitionToMemory,
	{protocol.TaskResumed, protocol.TaskErrored}:   transitionToError,
	{protocol.TaskResumed, protocol.TaskFetch}:     transitionResumedFetch,
	{protocol.TaskResumed, protocol.TaskWaiting}:   transitionResumedWaiting,
}

func transitionReleasedWaiting(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskWaiting

	recs := recommendations{}
	if len(ts.WaitingFor) == 0 {
		recs[ts] = protocol.TaskReady
	}
	return recs, nil
}

func transitionToFetch(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	if len(ts.WhoHas) == 0 {
		return recommendations{ts: protocol.TaskMissing}, nil
	}

	ts.state = protocol.TaskFetch
	ts.Done = false
	m.assignGeneration(ts)
	m.fetchQueue.Push(ts)
	return nil, nil
}

func transitionToMissing(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskMissing
	return nil, nil
}

func transitionWaitingReady(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReady
	m.assignGeneration(ts)
	m.readyQueue.Push(ts)
	return nil, nil
}

func transitionReadyExecuting(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskExecuting
	ts.Done = false
	ts.occupiesSlot = true
	m.executingCount++
	m.consumeResources(ts)
	return nil, nil
}

func transitionReadyReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	m.readyQueue.Remove(ts)
	ts.state = protocol.TaskReleased

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionStableReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionToMemory(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskMemory
	ts.Previous = ""
	ts.Next = ""
	ts.pendingCompute = nil

	recs := recommendations{}
	m.taskInMemory(ts, recs)

	// The value may be unwanted already, e.g. a replica acquired
	// for a dependent that has since been forgotten.
	if !ts.wanted && len(ts.Dependents) == 0 {
		recs[ts] = protocol.TaskReleased
	}
	return recs, nil
}

func transitionToError(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskErrored
	ts.Previous = ""
	ts.Next = ""
	return nil, nil
}

func transitionExecutingLongRunning(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskLongRunning
	ts.occupiesSlot = false
	m.executingCount--
	return nil, nil
}

// A release request against a state whose outstanding operation
// cannot be aborted. The operation's eventual completion event is
// expected; its effects will be suppressed.
func transitionTransientCancelled(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.Previous = ts.state
	ts.Next = protocol.TaskReleased
	ts.state = protocol.TaskCancelled
	return nil, nil
}

func transitionFetchFlight(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskFlight
	ts.Done = false
	return nil, nil
}

func transitionFetchReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	m.fetchQueue.Remove(ts)
	ts.state = protocol.TaskReleased
	ts.WhoHas = map[string]struct{}{}
	ts.pendingCompute = nil

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionFetchMissing(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	m.fetchQueue.Remove(ts)
	ts.state = protocol.TaskMissing
	return nil, nil
}

func transitionFlightFetch(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskFetch
	ts.ComingFrom = ""
	ts.Done = false
	m.assignGeneration(ts)
	m.fetchQueue.Push(ts)
	return nil, nil
}

// Every holder of an in-flight value was lost while a compute
// command is on record; fall back to computing the key locally.
func transitionFlightWaiting(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased
	ts.ComingFrom = ""

	cmd := ts.pendingCompute
	ts.pendingCompute = nil

	recs := recommendations{}
	if cmd == nil {
		m.maybeForget(ts, recs)
		return recs, nil
	}

	instructions := m.scheduleCompute(ts, cmd, recs, stimID)
	return recs, instructions
}

func transitionFlightMissing(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskMissing
	ts.ComingFrom = ""
	ts.Done = true
	return nil, nil
}

func transitionMemoryReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	m.data.Delete(ts.Key)
	ts.state = protocol.TaskReleased
	ts.WhoHas = map[string]struct{}{}

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionErrorReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased
	ts.Err = nil

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionCancelledReleased(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased
	ts.Previous = ""
	ts.Next = ""
	ts.ComingFrom = ""
	ts.WhoHas = map[string]struct{}{}
	ts.pendingCompute = nil

	recs := recommendations{}
	m.maybeForget(ts, recs)
	return recs, nil
}

func transitionCancelledResumed(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskResumed
	return nil, nil
}

func transitionResumedCancelled(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskCancelled
	ts.Next = protocol.TaskReleased
	ts.pendingCompute = nil
	return nil, nil
}

// A stale fetch failed while the task is wanted as a replica
// again; restart the fetch against the remaining holders.
func transitionResumedFetch(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased
	ts.Previous = ""
	ts.Next = ""
	return recommendations{ts: protocol.TaskFetch}, nil
}

// A stale operation failed while the task is wanted for compute;
// restart it through the recorded compute command.
func transitionResumedWaiting(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	ts.state = protocol.TaskReleased
	ts.Previous = ""
	ts.Next = ""

	cmd := ts.pendingCompute
	ts.pendingCompute = nil
	if cmd == nil {
		recs := recommendations{}
		m.maybeForget(ts, recs)
		return recs, nil
	}

	recs := recommendations{}
	instructions := m.scheduleCompute(ts, cmd, recs, stimID)
	return recs, instructions
}

func transitionReleasedForgotten(m *Machine, ts *TaskState, stimID string) (recommendations, []Instruction) {
	recs := recommendations{}

	for dts := range ts.Dependencies {
		delete(dts.Dependents, ts)
		if !dts.wanted && len(dts.Dependents) == 0 {
			switch dts.state {
			case protocol.TaskReleased:
				m.maybeForget(dts, recs)
			case protocol.TaskMemory, protocol.TaskErrored, protocol.TaskWaiting,
				protocol.TaskReady, protocol.TaskFetch, protocol.TaskFlight,
				protocol.TaskExecuting, protocol.TaskLongRunning, protocol.TaskMissing:
				recs[dts] = protocol.TaskReleased
			}
		}
	}

	ts.Dependencies = map[*TaskState]struct{}{}
	ts.WaitingFor = map[*TaskState]struct{}{}
	ts.state = protocol.TaskForgotten

	m.data.Delete(ts.Key)
	delete(m.tasks, ts.Key)

	m.story.Append(stimID, []string{ts.Key}, "forgotten")
	return recs, nil
}
