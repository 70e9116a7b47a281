package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	peerB = "10.0.0.2:8080"
	peerC = "10.0.0.3:8080"
)

type MachineTestSuite struct {
	suite.Suite
	config  *WorkerConfig
	data    store.Store
	machine *Machine
}

func (s *MachineTestSuite) SetupTest() {
	log.SetLevel(log.TraceLevel)

	s.config = DefaultConfig()
	s.config.Address = "10.0.0.1:8080"
	s.config.StoryLimit = 1000
	s.data = store.NewMemoryStore()
	s.machine = NewMachine(s.config, s.data, NewStory(s.config.StoryLimit))
}

func (s *MachineTestSuite) compute(key string, modify ...func(*protocol.ComputeTask)) []Instruction {
	cmd := &protocol.ComputeTask{
		Key:     key,
		RunSpec: []byte(`{"op":"const","args":"v"}`),
	}
	for _, fn := range modify {
		fn(cmd)
	}
	return s.machine.HandleStimulus(NewComputeTaskStimulus(cmd))
}

func withDep(key, peer string, nbytes int64) func(*protocol.ComputeTask) {
	return func(cmd *protocol.ComputeTask) {
		cmd.Dependencies = append(cmd.Dependencies, key)
		if cmd.WhoHas == nil {
			cmd.WhoHas = map[string][]string{}
			cmd.NBytes = map[string]int64{}
		}
		if peer != "" {
			cmd.WhoHas[key] = append(cmd.WhoHas[key], peer)
		}
		cmd.NBytes[key] = nbytes
	}
}

func withPriority(priority ...int) func(*protocol.ComputeTask) {
	return func(cmd *protocol.ComputeTask) {
		cmd.Priority = priority
	}
}

func withMetadata(key string, value interface{}) func(*protocol.ComputeTask) {
	return func(cmd *protocol.ComputeTask) {
		if cmd.Metadata == nil {
			cmd.Metadata = map[string]interface{}{}
		}
		cmd.Metadata[key] = value
	}
}

func (s *MachineTestSuite) infoOf(key string) *TaskInfo {
	for _, info := range s.machine.Tasks() {
		if info.Key == key {
			return info
		}
	}
	return nil
}

func (s *MachineTestSuite) acquire(whoHas map[string][]string, nbytes map[string]int64) []Instruction {
	return s.machine.HandleStimulus(NewAcquireReplicasStimulus(&protocol.AcquireReplicas{
		WhoHas: whoHas,
		NBytes: nbytes,
	}))
}

func (s *MachineTestSuite) free(keys ...string) []Instruction {
	return s.machine.HandleStimulus(NewFreeKeysStimulus(keys))
}

func (s *MachineTestSuite) finish(key string, value []byte) []Instruction {
	now := time.Now()
	return s.machine.HandleStimulus(NewExecuteSuccessStimulus(key, value, now.Add(-time.Second), now))
}

func (s *MachineTestSuite) fail(key string, err error) []Instruction {
	return s.machine.HandleStimulus(NewExecuteFailureStimulus(key, protocol.NewTaskError(err)))
}

func (s *MachineTestSuite) gatherOK(peer string, keys []string, data map[string][]byte) []Instruction {
	response := &protocol.GetDataResponse{
		Status: protocol.GetDataOK,
		Data:   data,
	}
	for _, key := range keys {
		if _, ok := data[key]; !ok {
			response.Status = protocol.GetDataPartial
			response.Missing = append(response.Missing, key)
		}
	}
	now := time.Now()
	return s.machine.HandleStimulus(NewGatherDoneStimulus(peer, keys, response, nil, now, now))
}

func (s *MachineTestSuite) gatherBusy(peer string, keys []string) []Instruction {
	now := time.Now()
	response := &protocol.GetDataResponse{Status: protocol.GetDataBusy}
	return s.machine.HandleStimulus(NewGatherDoneStimulus(peer, keys, response, nil, now, now))
}

func (s *MachineTestSuite) gatherFailed(peer string, keys []string) []Instruction {
	now := time.Now()
	return s.machine.HandleStimulus(NewGatherDoneStimulus(peer, keys, nil, errors.New("connection refused"), now, now))
}

func messagesOf(instructions []Instruction) []protocol.Notification {
	messages := []protocol.Notification{}
	for _, i := range instructions {
		if send, ok := i.(*SendMessage); ok {
			messages = append(messages, send.Message)
		}
	}
	return messages
}

func gathersOf(instructions []Instruction) []*GatherDep {
	gathers := []*GatherDep{}
	for _, i := range instructions {
		if gather, ok := i.(*GatherDep); ok {
			gathers = append(gathers, gather)
		}
	}
	return gathers
}

func executesOf(instructions []Instruction) []*Execute {
	executes := []*Execute{}
	for _, i := range instructions {
		if execute, ok := i.(*Execute); ok {
			executes = append(executes, execute)
		}
	}
	return executes
}

func retriesOf(instructions []Instruction) []*RetryPeerLater {
	retries := []*RetryPeerLater{}
	for _, i := range instructions {
		if retry, ok := i.(*RetryPeerLater); ok {
			retries = append(retries, retry)
		}
	}
	return retries
}

func (s *MachineTestSuite) TestComputeWithoutDependencies() {
	instructions := s.compute("f1")

	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	executes := executesOf(instructions)
	assert.Len(s.T(), executes, 1)
	assert.Equal(s.T(), "f1", executes[0].Key)
	assert.Equal(s.T(), protocol.ExecutorDefault, executes[0].Role)

	instructions = s.finish("f1", []byte("value"))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.True(s.T(), s.data.Has("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	finished := messages[0].(*protocol.TaskFinished)
	assert.Equal(s.T(), "f1", finished.Key)
	assert.Equal(s.T(), int64(5), finished.NBytes)

	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestComputeFailure() {
	s.compute("f1")

	instructions := s.fail("f1", errors.New("division by zero"))
	assert.Equal(s.T(), protocol.TaskErrored, s.machine.StateOf("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	erred := messages[0].(*protocol.TaskErred)
	assert.Equal(s.T(), "f1", erred.Key)
	assert.Equal(s.T(), "division by zero", erred.Error.Message)

	// The error survives until the task is released.
	s.free("f1")
	assert.Equal(s.T(), protocol.TaskForgotten, s.machine.StateOf("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestResubmitAfterFailure() {
	s.compute("f1")
	s.fail("f1", errors.New("flaky"))
	assert.Equal(s.T(), protocol.TaskErrored, s.machine.StateOf("f1"))

	instructions := s.compute("f1")
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	assert.Len(s.T(), executesOf(instructions), 1)
}

func (s *MachineTestSuite) TestComputeWithRemoteDependency() {
	instructions := s.compute("f2", withDep("f1", peerB, 100))

	assert.Equal(s.T(), protocol.TaskWaiting, s.machine.StateOf("f2"))
	assert.Equal(s.T(), protocol.TaskFlight, s.machine.StateOf("f1"))

	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), peerB, gathers[0].Peer)
	assert.Equal(s.T(), []string{"f1"}, gathers[0].Keys)

	instructions = s.gatherOK(peerB, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})

	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f2"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	assert.Equal(s.T(), &protocol.AddKeys{Keys: []string{"f1"}}, messages[0])

	executes := executesOf(instructions)
	assert.Len(s.T(), executes, 1)
	assert.Equal(s.T(), "f2", executes[0].Key)
	assert.Equal(s.T(), []string{"f1"}, executes[0].Dependencies)

	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestDuplicateCompute() {
	s.compute("f1")
	instructions := s.compute("f1")
	assert.Empty(s.T(), executesOf(instructions))

	s.finish("f1", []byte("value"))

	// A compute for a key already in memory resyncs the coordinator.
	instructions = s.compute("f1")
	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	assert.Equal(s.T(), &protocol.AddKeys{Keys: []string{"f1"}}, messages[0])
}

func (s *MachineTestSuite) TestAcquireReplicas() {
	instructions := s.acquire(
		map[string][]string{"f1": {peerB}},
		map[string]int64{"f1": 100})

	assert.Equal(s.T(), protocol.TaskFlight, s.machine.StateOf("f1"))
	assert.Len(s.T(), gathersOf(instructions), 1)

	instructions = s.gatherOK(peerB, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Equal(s.T(), []protocol.Notification{&protocol.AddKeys{Keys: []string{"f1"}}},
		messagesOf(instructions))
}

func (s *MachineTestSuite) TestAcquireWithoutHolders() {
	instructions := s.acquire(map[string][]string{"f1": {}}, nil)

	assert.Equal(s.T(), protocol.TaskMissing, s.machine.StateOf("f1"))
	assert.Empty(s.T(), gathersOf(instructions))
}

func (s *MachineTestSuite) TestBusyPeerTriesAlternateFirst() {
	s.acquire(map[string][]string{"f1": {peerB, peerC}}, map[string]int64{"f1": 10})

	// The first gather goes to the lexicographically first peer.
	instructions := s.gatherBusy(peerB, []string{"f1"})

	// A backoff retry is scheduled and the alternate is tried at once.
	assert.Len(s.T(), retriesOf(instructions), 1)
	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), peerC, gathers[0].Peer)

	s.gatherOK(peerC, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestBusySoleHolderEscalatesToMissing() {
	s.config.BusyRetryCount = 2

	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})

	for attempt := 0; attempt < 2; attempt++ {
		instructions := s.gatherBusy(peerB, []string{"f1"})

		// No alternate holder; the task waits out the backoff.
		assert.Len(s.T(), retriesOf(instructions), 1)
		assert.Empty(s.T(), gathersOf(instructions))
		assert.Equal(s.T(), protocol.TaskFetch, s.machine.StateOf("f1"))

		instructions = s.machine.HandleStimulus(NewRetryPeerStimulus(peerB))
		assert.Len(s.T(), gathersOf(instructions), 1)
	}

	// The retry budget is exhausted; the peer no longer counts as a
	// holder and the coordinator is told the data is missing.
	instructions := s.gatherBusy(peerB, []string{"f1"})
	assert.Equal(s.T(), protocol.TaskMissing, s.machine.StateOf("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	missing := messages[0].(*protocol.MissingData)
	assert.Equal(s.T(), "f1", missing.Key)
}

func (s *MachineTestSuite) TestBusyBackoffGrows() {
	s.config.BusyRetryDelay = 100 * time.Millisecond
	s.config.BusyRetryMaxDelay = 350 * time.Millisecond
	s.config.BusyRetryCount = 10

	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})

	delays := []time.Duration{}
	for attempt := 0; attempt < 4; attempt++ {
		instructions := s.gatherBusy(peerB, []string{"f1"})
		retries := retriesOf(instructions)
		assert.Len(s.T(), retries, 1)
		delays = append(delays, retries[0].Delay)

		s.machine.HandleStimulus(NewRetryPeerStimulus(peerB))
	}

	assert.Equal(s.T(), []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}, delays)
}

func (s *MachineTestSuite) TestUnreachablePeer() {
	s.acquire(map[string][]string{"f1": {peerB, peerC}}, map[string]int64{"f1": 10})

	instructions := s.gatherFailed(peerB, []string{"f1"})

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	assert.Equal(s.T(), &protocol.PeerUnreachable{Peer: peerB}, messages[0])

	// The fetch restarts against the remaining holder.
	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), peerC, gathers[0].Peer)
}

func (s *MachineTestSuite) TestUnreachableLastHolder() {
	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})

	instructions := s.gatherFailed(peerB, []string{"f1"})
	assert.Equal(s.T(), protocol.TaskMissing, s.machine.StateOf("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 2)
	assert.Equal(s.T(), &protocol.PeerUnreachable{Peer: peerB}, messages[0])
	assert.Equal(s.T(), &protocol.MissingData{Key: "f1"}, messages[1])
}

func (s *MachineTestSuite) TestPartialMissMarksErrantPeer() {
	s.acquire(map[string][]string{"f1": {peerB, peerC}}, map[string]int64{"f1": 10})

	// The first holder claims the key but does not deliver it.
	instructions := s.gatherOK(peerB, []string{"f1"}, map[string][]byte{})

	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), peerC, gathers[0].Peer)

	// Neither does the second; the key escalates to missing and the
	// errant holder is reported.
	instructions = s.gatherOK(peerC, []string{"f1"}, map[string][]byte{})
	assert.Equal(s.T(), protocol.TaskMissing, s.machine.StateOf("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	missing := messages[0].(*protocol.MissingData)
	assert.Equal(s.T(), []string{peerC}, missing.Errant)
}

func (s *MachineTestSuite) TestCancelExecuting() {
	s.compute("f1")
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))

	s.free("f1")
	assert.Equal(s.T(), protocol.TaskCancelled, s.machine.StateOf("f1"))

	// The late result is discarded without telling the coordinator.
	instructions := s.finish("f1", []byte("stale"))
	assert.Empty(s.T(), messagesOf(instructions))
	assert.Equal(s.T(), protocol.TaskForgotten, s.machine.StateOf("f1"))
	assert.False(s.T(), s.data.Has("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestResumeCancelledCompute() {
	s.compute("f1")
	s.free("f1")
	assert.Equal(s.T(), protocol.TaskCancelled, s.machine.StateOf("f1"))

	// Wanted again before the stale execution completed. No second
	// physical execution may be started.
	instructions := s.compute("f1")
	assert.Equal(s.T(), protocol.TaskResumed, s.machine.StateOf("f1"))
	assert.Empty(s.T(), executesOf(instructions))

	instructions = s.finish("f1", []byte("value"))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	assert.IsType(s.T(), &protocol.TaskFinished{}, messages[0])
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestResumedComputeReplaysAfterFailedExecution() {
	s.compute("f1")
	s.free("f1")
	s.compute("f1")
	assert.Equal(s.T(), protocol.TaskResumed, s.machine.StateOf("f1"))

	// The stale execution failed; the renewed demand is a compute,
	// so the failure is reported as usual.
	instructions := s.fail("f1", errors.New("boom"))
	assert.Equal(s.T(), protocol.TaskErrored, s.machine.StateOf("f1"))
	assert.Len(s.T(), messagesOf(instructions), 1)
}

func (s *MachineTestSuite) TestCancelledFetchResumedAsCompute() {
	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})
	assert.Equal(s.T(), protocol.TaskFlight, s.machine.StateOf("f1"))

	s.free("f1")
	assert.Equal(s.T(), protocol.TaskCancelled, s.machine.StateOf("f1"))

	s.compute("f1")
	assert.Equal(s.T(), protocol.TaskResumed, s.machine.StateOf("f1"))

	// The stale fetch fails; the recorded compute command replays
	// and the task is scheduled for execution.
	instructions := s.gatherFailed(peerB, []string{"f1"})
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	assert.Len(s.T(), executesOf(instructions), 1)
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestCancelledFetchDeliversUsableValue() {
	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})
	s.free("f1")
	s.compute("f1")

	// The stale fetch succeeds; the value satisfies the compute
	// demand without executing anything.
	instructions := s.gatherOK(peerB, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Empty(s.T(), executesOf(instructions))
}

func (s *MachineTestSuite) TestFreedValueRetainedForDependents() {
	s.compute("f1")
	s.finish("f1", []byte("one"))

	s.compute("f2", withDep("f1", "", 0))
	s.fail("f2", errors.New("boom"))
	assert.Equal(s.T(), protocol.TaskErrored, s.machine.StateOf("f2"))

	// f1 is unwanted but must stay while f2 references it, so that
	// the error context remains inspectable.
	s.free("f1")
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.True(s.T(), s.data.Has("f1"))

	// Releasing the last dependent cascades.
	s.free("f2")
	assert.Equal(s.T(), protocol.TaskForgotten, s.machine.StateOf("f2"))
	assert.Equal(s.T(), protocol.TaskForgotten, s.machine.StateOf("f1"))
	assert.False(s.T(), s.data.Has("f1"))
	assert.Equal(s.T(), 0, s.machine.TaskCount())
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestStealRequest() {
	s.config.ThreadCount = 1

	s.compute("f1")
	s.compute("f2")
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	assert.Equal(s.T(), protocol.TaskReady, s.machine.StateOf("f2"))

	// A queued task can be given up.
	s.machine.HandleStimulus(NewStealRequestStimulus("f2"))
	assert.Equal(s.T(), protocol.TaskForgotten, s.machine.StateOf("f2"))

	// A running task cannot.
	s.machine.HandleStimulus(NewStealRequestStimulus("f1"))
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
}

func (s *MachineTestSuite) TestRemoveReplicasRejectedWhileInUse() {
	s.compute("f1")
	s.finish("f1", []byte("one"))
	s.compute("f2", withDep("f1", "", 0))
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f2"))

	// The dependent is mid-execution; removal must be refused and
	// the key re-registered.
	instructions := s.machine.HandleStimulus(NewRemoveReplicasStimulus([]string{"f1"}))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Equal(s.T(), []protocol.Notification{&protocol.AddKeys{Keys: []string{"f1"}}},
		messagesOf(instructions))

	s.finish("f2", []byte("two"))

	// With the dependent finished, the same removal succeeds.
	instructions = s.machine.HandleStimulus(NewRemoveReplicasStimulus([]string{"f1"}))
	assert.Equal(s.T(), protocol.TaskReleased, s.machine.StateOf("f1"))
	assert.Empty(s.T(), messagesOf(instructions))
	assert.False(s.T(), s.data.Has("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestPriorityOrder() {
	s.config.ThreadCount = 1

	s.compute("f0", withPriority(0))
	s.compute("low", withPriority(9))
	s.compute("high", withPriority(1))

	// The slot frees up; the lower priority value runs first.
	instructions := s.finish("f0", []byte("v"))
	executes := executesOf(instructions)
	assert.Len(s.T(), executes, 1)
	assert.Equal(s.T(), "high", executes[0].Key)

	instructions = s.finish("high", []byte("v"))
	executes = executesOf(instructions)
	assert.Len(s.T(), executes, 1)
	assert.Equal(s.T(), "low", executes[0].Key)
}

func (s *MachineTestSuite) TestGatherBatchRespectsByteBudget() {
	s.config.TransferBytesLimit = 100

	instructions := s.acquire(
		map[string][]string{"a": {peerB}, "b": {peerB}, "c": {peerB}},
		map[string]int64{"a": 60, "b": 60, "c": 30})

	// One connection per peer; the batch holds what fits.
	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.LessOrEqual(s.T(), gathers[0].NBytes, int64(100))
	assert.Less(s.T(), len(gathers[0].Keys), 3)

	// The rest follows once the batch completes.
	data := map[string][]byte{}
	for _, key := range gathers[0].Keys {
		data[key] = []byte("x")
	}
	instructions = s.gatherOK(peerB, gathers[0].Keys, data)
	assert.Len(s.T(), gathersOf(instructions), 1)
}

func (s *MachineTestSuite) TestOutgoingConnectionCap() {
	s.config.TotalOutConnections = 1

	instructions := s.acquire(
		map[string][]string{"a": {peerB}, "b": {peerC}},
		map[string]int64{"a": 10, "b": 10})

	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	first := gathers[0]

	instructions = s.gatherOK(first.Peer, first.Keys,
		map[string][]byte{first.Keys[0]: []byte("x")})

	gathers = gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.NotEqual(s.T(), first.Peer, gathers[0].Peer)
}

func (s *MachineTestSuite) TestSameHostPeerPreferred() {
	local := "10.0.0.1:9000"

	instructions := s.acquire(
		map[string][]string{"f1": {peerB, local}},
		map[string]int64{"f1": 10})

	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), local, gathers[0].Peer)
}

func (s *MachineTestSuite) TestSecede() {
	s.config.ThreadCount = 1

	s.compute("f1")
	s.compute("f2")
	assert.Equal(s.T(), protocol.TaskReady, s.machine.StateOf("f2"))

	// Seceding frees the slot for the queued task.
	instructions := s.machine.HandleStimulus(NewSecedeStimulus("f1"))
	assert.Equal(s.T(), protocol.TaskLongRunning, s.machine.StateOf("f1"))
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f2"))
	assert.Len(s.T(), executesOf(instructions), 1)

	s.finish("f1", []byte("v"))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestCancelLongRunning() {
	s.compute("f1")
	s.machine.HandleStimulus(NewSecedeStimulus("f1"))
	assert.Equal(s.T(), protocol.TaskLongRunning, s.machine.StateOf("f1"))

	s.free("f1")
	assert.Equal(s.T(), protocol.TaskCancelled, s.machine.StateOf("f1"))

	s.compute("f1")
	instructions := s.finish("f1", []byte("v"))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Len(s.T(), messagesOf(instructions), 1)
}

func (s *MachineTestSuite) TestResourceRestriction() {
	s.config.Resources = map[string]int64{"gpu": 1}
	s.machine = NewMachine(s.config, s.data, NewStory(s.config.StoryLimit))

	withGPU := func(cmd *protocol.ComputeTask) {
		cmd.Resources = map[string]int64{"gpu": 1}
	}

	s.compute("f1", withGPU)
	instructions := s.compute("f2", withGPU)

	// Only one gpu unit exists; the second task must wait even
	// though executor slots are free.
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	assert.Equal(s.T(), protocol.TaskReady, s.machine.StateOf("f2"))
	assert.Empty(s.T(), executesOf(instructions))

	instructions = s.finish("f1", []byte("v"))
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f2"))
	assert.Len(s.T(), executesOf(instructions), 1)
}

func (s *MachineTestSuite) TestStoryRecordsTransitions() {
	s.compute("f1")
	s.finish("f1", []byte("v"))

	events := s.machine.story.Query("f1")
	assert.NotEmpty(s.T(), events)

	// Every event ties back to the stimulus that caused it.
	for _, event := range events {
		assert.NotEmpty(s.T(), event.StimulusID)
	}
}

func (s *MachineTestSuite) TestComputeWhileFlightComputesOnLostHolder() {
	s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})
	assert.Equal(s.T(), protocol.TaskFlight, s.machine.StateOf("f1"))

	// A compute request arrives while the transfer is outstanding.
	// The transfer remains the single physical operation.
	instructions := s.compute("f1")
	assert.Empty(s.T(), executesOf(instructions))
	assert.Empty(s.T(), gathersOf(instructions))

	// The sole holder dies; the recorded command takes over instead
	// of reporting the key missing.
	instructions = s.gatherFailed(peerB, []string{"f1"})
	assert.Equal(s.T(), protocol.TaskExecuting, s.machine.StateOf("f1"))
	assert.Len(s.T(), executesOf(instructions), 1)

	messages := messagesOf(instructions)
	assert.Len(s.T(), messages, 1)
	assert.Equal(s.T(), &protocol.PeerUnreachable{Peer: peerB}, messages[0])

	instructions = s.finish("f1", []byte("value"))
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Len(s.T(), messagesOf(instructions), 1)
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestComputeWhileFlightStillPrefersRemainingHolder() {
	s.acquire(map[string][]string{"f1": {peerB, peerC}}, map[string]int64{"f1": 10})
	s.compute("f1")

	// Another holder remains; the transfer is retried before any
	// local execution is considered.
	instructions := s.gatherFailed(peerB, []string{"f1"})
	assert.Empty(s.T(), executesOf(instructions))

	gathers := gathersOf(instructions)
	assert.Len(s.T(), gathers, 1)
	assert.Equal(s.T(), peerC, gathers[0].Peer)

	s.gatherOK(peerC, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestAcquireWhileAlreadyInFlight() {
	instructions := s.acquire(map[string][]string{"f1": {peerB}}, map[string]int64{"f1": 10})
	assert.Len(s.T(), gathersOf(instructions), 1)

	// A second acquire for the same key only records the new holder;
	// no second transfer is started.
	instructions = s.acquire(map[string][]string{"f1": {peerB, peerC}}, map[string]int64{"f1": 10})
	assert.Empty(s.T(), gathersOf(instructions))
	assert.Equal(s.T(), protocol.TaskFlight, s.machine.StateOf("f1"))
	assert.Contains(s.T(), s.infoOf("f1").WhoHas, peerC)

	instructions = s.gatherOK(peerB, []string{"f1"}, map[string][]byte{"f1": []byte("dep")})
	assert.Equal(s.T(), protocol.TaskMemory, s.machine.StateOf("f1"))
	assert.Empty(s.T(), gathersOf(instructions))
	assert.Empty(s.T(), s.machine.Validate())
}

func (s *MachineTestSuite) TestTaskMetadata() {
	s.compute("f1", withMetadata("team", "etl"))
	s.finish("f1", []byte("v"))

	info := s.infoOf("f1")
	assert.Equal(s.T(), "etl", info.Metadata["team"])

	// Resubmission after a failure merges rather than replaces.
	s.compute("f2", withMetadata("team", "etl"))
	s.fail("f2", errors.New("boom"))
	s.compute("f2", withMetadata("attempt", "2"))
	s.finish("f2", []byte("v"))

	info = s.infoOf("f2")
	assert.Equal(s.T(), "etl", info.Metadata["team"])
	assert.Equal(s.T(), "2", info.Metadata["attempt"])
}

func TestMachine(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
