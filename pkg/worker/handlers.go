package worker

import (
	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
)

func (m *Machine) handleComputeTask(s *ComputeTaskStimulus, recs recommendations) []Instruction {
	cmd := s.Command
	ts := m.ensureTask(cmd.Key)
	ts.wanted = true

	switch ts.state {
	case protocol.TaskMemory:
		// Already computed; resync the coordinator's bookkeeping.
		return []Instruction{&SendMessage{&protocol.AddKeys{Keys: []string{cmd.Key}}}}

	case protocol.TaskWaiting, protocol.TaskReady, protocol.TaskExecuting,
		protocol.TaskLongRunning:
		// Duplicate request; the task is already on its way.
		return nil

	case protocol.TaskFetch, protocol.TaskFlight:
		// The transfer stays the single physical operation for the
		// key. Remember how to compute it locally so that losing
		// every holder falls back to execution.
		ts.pendingCompute = cmd
		return nil

	case protocol.TaskCancelled:
		// A stale operation is still outstanding. Remember the new
		// demand; the completion event decides what happens next.
		ts.pendingCompute = cmd
		ts.Next = protocol.TaskWaiting
		recs[ts] = protocol.TaskResumed
		return nil

	case protocol.TaskResumed:
		ts.pendingCompute = cmd
		ts.Next = protocol.TaskWaiting
		return nil

	case protocol.TaskErrored:
		// Resubmitted after a failure.
		instructions := m.processRecommendations(recommendations{ts: protocol.TaskReleased}, s.StimulusID())
		return append(instructions, m.scheduleCompute(ts, cmd, recs, s.StimulusID())...)

	default:
		return m.scheduleCompute(ts, cmd, recs, s.StimulusID())
	}
}

// Wire up a fresh compute request: dependency links, replica
// holders and scheduling metadata.
func (m *Machine) scheduleCompute(ts *TaskState, cmd *protocol.ComputeTask, recs recommendations, stimID string) []Instruction {
	ts.wanted = true
	ts.RunSpec = cmd.RunSpec
	ts.Priority = Priority(cmd.Priority)
	ts.Resources = cmd.Resources
	ts.Executor = cmd.Executor

	if len(cmd.Metadata) > 0 {
		if ts.Metadata == nil {
			ts.Metadata = map[string]interface{}{}
		}
		for k, v := range cmd.Metadata {
			ts.Metadata[k] = v
		}
	}

	for _, depKey := range cmd.Dependencies {
		dts := m.ensureTask(depKey)
		dts.Dependents[ts] = struct{}{}
		ts.Dependencies[dts] = struct{}{}

		if nbytes, ok := cmd.NBytes[depKey]; ok {
			dts.NBytes = nbytes
		}

		switch dts.state {
		case protocol.TaskReleased, protocol.TaskMissing, protocol.TaskFetch,
			protocol.TaskFlight, protocol.TaskMemory, protocol.TaskCancelled,
			protocol.TaskResumed:
			for _, peer := range cmd.WhoHas[depKey] {
				dts.WhoHas[peer] = struct{}{}
			}
		}

		if dts.state != protocol.TaskMemory {
			ts.WaitingFor[dts] = struct{}{}
		}

		switch dts.state {
		case protocol.TaskReleased, protocol.TaskMissing:
			recs[dts] = protocol.TaskFetch
		}
	}

	recs[ts] = protocol.TaskWaiting
	return nil
}

func (m *Machine) handleAcquireReplicas(s *AcquireReplicasStimulus, recs recommendations) []Instruction {
	for key, holders := range s.Command.WhoHas {
		ts := m.ensureTask(key)
		ts.wanted = true

		if nbytes, ok := s.Command.NBytes[key]; ok {
			ts.NBytes = nbytes
		}

		switch ts.state {
		case protocol.TaskReleased, protocol.TaskMissing, protocol.TaskFetch,
			protocol.TaskFlight, protocol.TaskMemory, protocol.TaskCancelled,
			protocol.TaskResumed:
			for _, peer := range holders {
				ts.WhoHas[peer] = struct{}{}
			}
		}

		switch ts.state {
		case protocol.TaskReleased, protocol.TaskMissing:
			recs[ts] = protocol.TaskFetch

		case protocol.TaskCancelled:
			ts.Next = protocol.TaskFetch
			recs[ts] = protocol.TaskResumed

		case protocol.TaskResumed:
			if ts.Next == "" || ts.Next == protocol.TaskReleased {
				ts.Next = protocol.TaskFetch
			}

		default:
			// Already resident, in flight or being computed here.
		}
	}

	return nil
}

func (m *Machine) handleRemoveReplicas(s *RemoveReplicasStimulus, recs recommendations) []Instruction {
	rejected := []string{}

	for _, key := range s.Keys {
		ts, ok := m.tasks[key]
		if !ok {
			continue
		}

		if ts.state != protocol.TaskMemory || ts.HasActiveDependent() {
			// The value is still required here. Rejecting silently
			// would cause permanent state divergence; re-register
			// the key instead.
			rejected = append(rejected, key)
			continue
		}

		ts.wanted = false
		recs[ts] = protocol.TaskReleased
	}

	if len(rejected) > 0 {
		m.story.Append(s.StimulusID(), rejected, "remove-replicas-rejected")
		return []Instruction{&SendMessage{&protocol.AddKeys{Keys: rejected}}}
	}

	return nil
}

func (m *Machine) handleStealRequest(s *StealRequestStimulus, recs recommendations) []Instruction {
	ts, ok := m.tasks[s.Key]
	if !ok {
		return nil
	}

	switch ts.state {
	case protocol.TaskWaiting, protocol.TaskReady:
		ts.wanted = false
		recs[ts] = protocol.TaskReleased
	default:
		// Too late to give the task up; the coordinator learns the
		// outcome through the regular completion notification.
		log.Debugf("ign - steal - key: %s, state: %s", s.Key, ts.state)
	}

	return nil
}

func (m *Machine) handleFreeKeys(s *FreeKeysStimulus, recs recommendations) []Instruction {
	for _, key := range s.Keys {
		ts, ok := m.tasks[key]
		if !ok {
			continue
		}

		ts.wanted = false

		switch ts.state {
		case protocol.TaskMemory:
			// The value stays resident while local dependents still
			// reference it; it is forgotten when the last dependent is.
			if len(ts.Dependents) > 0 {
				continue
			}
			recs[ts] = protocol.TaskReleased

		case protocol.TaskResumed:
			recs[ts] = protocol.TaskCancelled

		case protocol.TaskCancelled:
			ts.Next = protocol.TaskReleased

		default:
			recs[ts] = protocol.TaskReleased
		}
	}

	return nil
}

// Executor slot and resource accounting after a physical execution
// has completed.
func (m *Machine) finishExecution(ts *TaskState) {
	if ts.occupiesSlot {
		ts.occupiesSlot = false
		m.executingCount--
	}
	m.releaseResources(ts)
}

func (m *Machine) handleExecuteSuccess(s *ExecuteSuccessStimulus, recs recommendations) []Instruction {
	ts, ok := m.tasks[s.Key]
	if !ok {
		log.Debugf("ign - execute success for unknown task - key: %s", s.Key)
		return nil
	}

	ts.Done = true
	ts.StartTime = s.Start
	ts.StopTime = s.Stop
	m.finishExecution(ts)

	switch ts.state {
	case protocol.TaskExecuting, protocol.TaskLongRunning:
		m.storeValue(ts, s.Value)
		recs[ts] = protocol.TaskMemory
		return []Instruction{&SendMessage{&protocol.TaskFinished{
			Key:       ts.Key,
			NBytes:    ts.NBytes,
			StartTime: s.Start.UnixNano(),
			StopTime:  s.Stop.UnixNano(),
		}}}

	case protocol.TaskCancelled:
		// The result is no longer wanted.
		recs[ts] = protocol.TaskReleased
		return nil

	case protocol.TaskResumed:
		// The stale execution produced a usable value for the new
		// demand, whether that demand is compute or replica.
		m.storeValue(ts, s.Value)
		notify := protocol.Notification(&protocol.TaskFinished{
			Key:       ts.Key,
			NBytes:    ts.NBytes,
			StartTime: s.Start.UnixNano(),
			StopTime:  s.Stop.UnixNano(),
		})
		if ts.Next == protocol.TaskFetch {
			notify = &protocol.AddKeys{Keys: []string{ts.Key}}
		}
		recs[ts] = protocol.TaskMemory
		return []Instruction{&SendMessage{notify}}

	default:
		log.Errorf("err - execute success in unexpected state - key: %s, state: %s", s.Key, ts.state)
		return nil
	}
}

func (m *Machine) handleExecuteFailure(s *ExecuteFailureStimulus, recs recommendations) []Instruction {
	ts, ok := m.tasks[s.Key]
	if !ok {
		log.Debugf("ign - execute failure for unknown task - key: %s", s.Key)
		return nil
	}

	ts.Done = true
	m.finishExecution(ts)

	switch ts.state {
	case protocol.TaskExecuting, protocol.TaskLongRunning:
		ts.Err = s.Err
		recs[ts] = protocol.TaskErrored
		m.story.Append(s.StimulusID(), []string{ts.Key}, "task-erred", s.Err.Message)
		return []Instruction{&SendMessage{&protocol.TaskErred{Key: ts.Key, Error: s.Err}}}

	case protocol.TaskCancelled:
		// Nobody wants the failure anymore.
		recs[ts] = protocol.TaskReleased
		return nil

	case protocol.TaskResumed:
		if ts.Next == protocol.TaskFetch {
			// Wanted as a replica now; retry over the network.
			recs[ts] = protocol.TaskFetch
			return nil
		}
		ts.Err = s.Err
		recs[ts] = protocol.TaskErrored
		return []Instruction{&SendMessage{&protocol.TaskErred{Key: ts.Key, Error: s.Err}}}

	default:
		log.Errorf("err - execute failure in unexpected state - key: %s, state: %s", s.Key, ts.state)
		return nil
	}
}

func (m *Machine) handleSecede(s *SecedeStimulus, recs recommendations) []Instruction {
	ts, ok := m.tasks[s.Key]
	if !ok {
		return nil
	}

	if ts.state == protocol.TaskExecuting {
		recs[ts] = protocol.TaskLongRunning
	}
	return nil
}

// Route a task whose in-flight fetch did not produce a value.
func (m *Machine) routeFlightFailure(ts *TaskState, recs recommendations, errant []string) []Instruction {
	switch ts.state {
	case protocol.TaskCancelled:
		recs[ts] = protocol.TaskReleased
		return nil

	case protocol.TaskResumed:
		if ts.Next == protocol.TaskWaiting {
			recs[ts] = protocol.TaskWaiting
		} else {
			recs[ts] = protocol.TaskFetch
		}
		return nil

	case protocol.TaskFlight:
		ts.ComingFrom = ""
		if len(ts.WhoHas) > 0 {
			recs[ts] = protocol.TaskFetch
			return nil
		}
		if ts.pendingCompute != nil {
			// Every holder is gone but a compute command is on
			// record; compute the key locally instead.
			recs[ts] = protocol.TaskWaiting
			return nil
		}
		recs[ts] = protocol.TaskMissing
		return []Instruction{&SendMessage{&protocol.MissingData{Key: ts.Key, Errant: errant}}}

	default:
		log.Debugf("ign - flight failure in unexpected state - key: %s, state: %s", ts.Key, ts.state)
		return nil
	}
}

func (m *Machine) handleGatherDone(s *GatherDoneStimulus, recs recommendations) []Instruction {
	batch := m.inFlight[s.Peer]
	delete(m.inFlight, s.Peer)

	instructions := []Instruction{}

	batchTask := func(key string) *TaskState {
		ts, ok := batch[key]
		if !ok {
			// A response must never be handled for a task that was
			// not requested in this batch.
			log.Debugf("ign - gather response for unrequested key: %s", key)
			return nil
		}
		return ts
	}

	if s.Err != nil {
		// The peer is presumed unreachable. All in-flight keys for
		// it revert to fetch against the remaining holders, and the
		// coordinator is informed so it can correct its bookkeeping.
		delete(m.unavailable, s.Peer)
		delete(m.busyCount, s.Peer)
		m.story.Append(s.StimulusID(), s.Keys, "gather-dep-failed", s.Peer, s.Err.Error())

		instructions = append(instructions, &SendMessage{&protocol.PeerUnreachable{Peer: s.Peer}})

		for _, key := range s.Keys {
			ts := batchTask(key)
			if ts == nil {
				continue
			}
			ts.Done = true
			delete(ts.WhoHas, s.Peer)
			instructions = append(instructions, m.routeFlightFailure(ts, recs, nil)...)
		}
		return instructions
	}

	if s.Response.Status == protocol.GetDataBusy {
		m.busyCount[s.Peer]++
		m.story.Append(s.StimulusID(), s.Keys, "gather-dep-busy", s.Peer)

		exhausted := m.busyCount[s.Peer] > m.config.BusyRetryCount
		if exhausted {
			// The peer has been busy too many times in a row; treat
			// it as failed so sole-holder keys can escalate instead
			// of stalling indefinitely.
			delete(m.unavailable, s.Peer)
			delete(m.busyCount, s.Peer)
		} else {
			m.unavailable[s.Peer] = struct{}{}
			instructions = append(instructions, &RetryPeerLater{Peer: s.Peer, Delay: m.busyDelay(s.Peer)})
		}

		for _, key := range s.Keys {
			ts := batchTask(key)
			if ts == nil {
				continue
			}
			ts.Done = true
			if exhausted {
				delete(ts.WhoHas, s.Peer)
			}
			instructions = append(instructions, m.routeFlightFailure(ts, recs, nil)...)
		}
		return instructions
	}

	// Success, possibly partial.
	delete(m.unavailable, s.Peer)
	delete(m.busyCount, s.Peer)

	acquired := []string{}

	for _, key := range s.Keys {
		ts := batchTask(key)
		if ts == nil {
			continue
		}
		ts.Done = true

		value, held := s.Response.Data[key]
		if !held {
			// The peer claimed to hold the key but does not.
			ts.SuspiciousCount++
			delete(ts.WhoHas, s.Peer)
			m.story.Append(s.StimulusID(), []string{key}, "missing-dep", s.Peer)
			instructions = append(instructions, m.routeFlightFailure(ts, recs, []string{s.Peer})...)
			continue
		}

		switch ts.state {
		case protocol.TaskFlight, protocol.TaskResumed:
			m.storeValue(ts, value)
			recs[ts] = protocol.TaskMemory
			acquired = append(acquired, key)

		case protocol.TaskCancelled:
			// The value arrived for a key nobody wants; discard it.
			recs[ts] = protocol.TaskReleased

		default:
			log.Debugf("ign - gather success in unexpected state - key: %s, state: %s", key, ts.state)
		}
	}

	if len(acquired) > 0 {
		instructions = append(instructions, &SendMessage{&protocol.AddKeys{Keys: acquired}})
	}

	return instructions
}

func (m *Machine) handleRetryPeer(s *RetryPeerStimulus, recs recommendations) []Instruction {
	delete(m.unavailable, s.Peer)
	m.story.Append(s.StimulusID(), nil, "retry-busy-peer", s.Peer)
	return nil
}
