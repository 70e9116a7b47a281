package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/store"
	"github.com/srand/grid/pkg/utils"
)

// Recommended follow-up transitions, produced while applying a
// stimulus and drained to a fixpoint before the next stimulus
// is considered.
type recommendations map[*TaskState]protocol.TaskState

// Machine is the task state store plus the transition engine.
//
// All mutation happens through HandleStimulus, which is only ever
// called by the worker's dispatcher, one stimulus at a time. Each
// stimulus is applied as one atomic step: all recommended follow-up
// transitions are drained before HandleStimulus returns, so no
// stimulus ever observes a half-applied transition. The returned
// instructions are executed asynchronously by the worker and report
// back as new stimuli.
type Machine struct {
	mu sync.RWMutex

	config *WorkerConfig
	data   store.Store
	story  *Story

	// All tasks known to this worker, by key.
	tasks map[string]*TaskState

	// Tasks in fetch state, ordered by priority.
	fetchQueue *utils.PriorityQueue[*TaskState]

	// Tasks in ready state, ordered by priority.
	readyQueue *utils.PriorityQueue[*TaskState]

	// Keys currently being fetched, by peer.
	inFlight map[string]map[string]*TaskState

	// Consecutive busy responses per peer.
	busyCount map[string]int

	// Peers currently backing off after a busy response.
	unavailable map[string]struct{}

	// Number of tasks occupying an executor slot.
	executingCount int

	// Remaining units of named resource pools.
	availableResources map[string]int64

	// Insertion-order counter for priority tiebreaks.
	generation int64

	// Observer notified after every transition. Optional.
	observer func(*TaskState)
}

func taskPriorityFunc(a, b any) int {
	at := a.(*TaskState)
	bt := b.(*TaskState)
	return comparePriority(at.Priority, bt.Priority, at.generation, bt.generation)
}

func taskEqualityFunc(a, b any) bool {
	return a.(*TaskState) == b.(*TaskState)
}

func NewMachine(config *WorkerConfig, data store.Store, story *Story) *Machine {
	available := map[string]int64{}
	for name, units := range config.Resources {
		available[name] = units
	}

	return &Machine{
		config:             config,
		data:               data,
		story:              story,
		tasks:              map[string]*TaskState{},
		fetchQueue:         utils.NewPriorityQueue[*TaskState](taskPriorityFunc, taskEqualityFunc),
		readyQueue:         utils.NewPriorityQueue[*TaskState](taskPriorityFunc, taskEqualityFunc),
		inFlight:           map[string]map[string]*TaskState{},
		busyCount:          map[string]int{},
		unavailable:        map[string]struct{}{},
		availableResources: available,
	}
}

// SetObserver installs a callback invoked after every transition.
func (m *Machine) SetObserver(observer func(*TaskState)) {
	m.observer = observer
}

// HandleStimulus applies one stimulus as a single atomic step and
// returns the side effects to be carried out.
func (m *Machine) HandleStimulus(stim Stimulus) []Instruction {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := recommendations{}
	instructions := []Instruction{}

	switch s := stim.(type) {
	case *ComputeTaskStimulus:
		instructions = m.handleComputeTask(s, recs)
	case *AcquireReplicasStimulus:
		instructions = m.handleAcquireReplicas(s, recs)
	case *RemoveReplicasStimulus:
		instructions = m.handleRemoveReplicas(s, recs)
	case *StealRequestStimulus:
		instructions = m.handleStealRequest(s, recs)
	case *FreeKeysStimulus:
		instructions = m.handleFreeKeys(s, recs)
	case *ExecuteSuccessStimulus:
		instructions = m.handleExecuteSuccess(s, recs)
	case *ExecuteFailureStimulus:
		instructions = m.handleExecuteFailure(s, recs)
	case *SecedeStimulus:
		instructions = m.handleSecede(s, recs)
	case *GatherDoneStimulus:
		instructions = m.handleGatherDone(s, recs)
	case *RetryPeerStimulus:
		instructions = m.handleRetryPeer(s, recs)
	default:
		log.Errorf("err - stimulus - unknown type: %T", stim)
		return nil
	}

	instructions = append(instructions, m.processRecommendations(recs, stim.StimulusID())...)
	instructions = append(instructions, m.ensureCommunicating(stim.StimulusID())...)
	instructions = append(instructions, m.ensureComputing(stim.StimulusID())...)

	return instructions
}

// Drain recommended transitions to a fixpoint.
func (m *Machine) processRecommendations(recs recommendations, stimID string) []Instruction {
	instructions := []Instruction{}

	for len(recs) > 0 {
		var ts *TaskState
		var finish protocol.TaskState
		for ts, finish = range recs {
			break
		}
		delete(recs, ts)

		instructions = append(instructions, m.transition(ts, finish, stimID, recs)...)
	}

	return instructions
}

// Apply a single transition, collecting follow-up recommendations.
func (m *Machine) transition(ts *TaskState, finish protocol.TaskState, stimID string, recs recommendations) []Instruction {
	start := ts.state
	if start == finish {
		return nil
	}

	fn, ok := transitionTable[transitionKey{start, finish}]
	if !ok {
		log.Errorf("err - task - key: %s - invalid transition: %s -> %s", ts.Key, start, finish)
		m.story.Append(stimID, []string{ts.Key}, "invalid-transition", string(start), string(finish))
		return nil
	}

	m.story.Append(stimID, []string{ts.Key}, "transition", string(start), string(finish))
	log.Tracef("mov - task - key: %s, %s -> %s", ts.Key, start, finish)

	arecs, instructions := fn(m, ts, stimID)
	for ats, afinish := range arecs {
		recs[ats] = afinish
	}

	if m.observer != nil {
		m.observer(ts)
	}

	return instructions
}

// Returns the task for a key, creating it in released state on
// first mention.
func (m *Machine) ensureTask(key string) *TaskState {
	ts, ok := m.tasks[key]
	if !ok {
		ts = newTaskState(key)
		m.tasks[key] = ts
		log.Tracef("new - task - key: %s", key)
	}
	return ts
}

func (m *Machine) nextGeneration() int64 {
	m.generation++
	return m.generation
}

// Assigns an insertion-order tiebreak the first time a task must
// be sortable. Tasks injected without a priority rank after all
// prioritized ones.
func (m *Machine) assignGeneration(ts *TaskState) {
	if ts.generation == 0 {
		ts.generation = m.nextGeneration()
	}
}

// The host part of the worker's own address.
func (m *Machine) host() string {
	host, _, found := strings.Cut(m.config.Address, ":")
	if !found {
		return m.config.Address
	}
	return host
}

// Store a computed or fetched value and index it.
func (m *Machine) storeValue(ts *TaskState, value []byte) {
	if err := m.data.Put(ts.Key, value); err != nil {
		log.Errorf("err - store - key: %s: %v", ts.Key, err)
		return
	}
	ts.NBytes = int64(len(value))
}

// Wire up a task that just reached memory: record this worker as
// a holder and re-evaluate dependents.
func (m *Machine) taskInMemory(ts *TaskState, recs recommendations) {
	ts.Done = true
	ts.ComingFrom = ""
	ts.WhoHas[m.config.Address] = struct{}{}

	for dep := range ts.Dependents {
		delete(dep.WaitingFor, ts)
		if dep.state == protocol.TaskWaiting && len(dep.WaitingFor) == 0 {
			recs[dep] = protocol.TaskReady
		}
	}
}

// Recommend forgetting a task if nothing references it anymore.
func (m *Machine) maybeForget(ts *TaskState, recs recommendations) {
	if ts.wanted || len(ts.Dependents) > 0 {
		return
	}
	recs[ts] = protocol.TaskForgotten
}

func (m *Machine) resourcesAvailable(ts *TaskState) bool {
	for name, units := range ts.Resources {
		if m.availableResources[name] < units {
			return false
		}
	}
	return true
}

func (m *Machine) consumeResources(ts *TaskState) {
	for name, units := range ts.Resources {
		m.availableResources[name] -= units
	}
}

func (m *Machine) releaseResources(ts *TaskState) {
	for name, units := range ts.Resources {
		m.availableResources[name] += units
	}
}

// Select a peer to fetch a task from. Same-host peers are
// preferred over remote ones. Peers currently serving a batch or
// backing off after a busy response are not eligible.
func (m *Machine) selectPeer(ts *TaskState) string {
	candidates := []string{}
	for peer := range ts.WhoHas {
		if peer == m.config.Address {
			continue
		}
		if _, ok := m.inFlight[peer]; ok {
			continue
		}
		if _, ok := m.unavailable[peer]; ok {
			continue
		}
		candidates = append(candidates, peer)
	}

	if len(candidates) == 0 {
		return ""
	}

	sort.Strings(candidates)

	host := m.host()
	for _, peer := range candidates {
		peerHost, _, _ := strings.Cut(peer, ":")
		if peerHost == host {
			return peer
		}
	}

	return candidates[0]
}

// Collect fetch-state tasks held by the peer into one batch, up to
// the configured byte budget. The seed task is always included so
// that one large value cannot be starved by the budget.
func (m *Machine) selectKeysForGather(peer string, seed *TaskState) []*TaskState {
	batch := []*TaskState{seed}
	total := seed.NBytes

	for _, ts := range m.fetchQueue.Items() {
		if ts == seed || ts.state != protocol.TaskFetch {
			continue
		}
		if _, ok := ts.WhoHas[peer]; !ok {
			continue
		}
		if total+ts.NBytes > m.config.TransferBytesLimit {
			continue
		}
		batch = append(batch, ts)
		total += ts.NBytes
	}

	for _, ts := range batch[1:] {
		m.fetchQueue.Remove(ts)
	}

	return batch
}

// Turn fetch-state tasks into flight-state gather batches, subject
// to the outgoing connection cap.
func (m *Machine) ensureCommunicating(stimID string) []Instruction {
	instructions := []Instruction{}
	skipped := []*TaskState{}

	for m.fetchQueue.Len() > 0 && len(m.inFlight) < m.config.TotalOutConnections {
		ts := m.fetchQueue.Pop()
		if ts.state != protocol.TaskFetch {
			continue
		}

		peer := m.selectPeer(ts)
		if peer == "" {
			skipped = append(skipped, ts)
			continue
		}

		batch := m.selectKeysForGather(peer, ts)

		keys := make([]string, 0, len(batch))
		var nbytes int64

		flight := map[string]*TaskState{}
		recs := recommendations{}
		for _, bts := range batch {
			bts.ComingFrom = peer
			recs[bts] = protocol.TaskFlight
			flight[bts.Key] = bts
			keys = append(keys, bts.Key)
			nbytes += bts.NBytes
		}

		m.inFlight[peer] = flight
		instructions = append(instructions, m.processRecommendations(recs, stimID)...)
		instructions = append(instructions, &GatherDep{Peer: peer, Keys: keys, NBytes: nbytes})

		m.story.Append(stimID, keys, "gather-dep", peer, fmt.Sprint(len(keys)))
	}

	for _, ts := range skipped {
		m.fetchQueue.Push(ts)
	}

	return instructions
}

// Turn ready-state tasks into executing ones, subject to executor
// slots and resource restrictions.
func (m *Machine) ensureComputing(stimID string) []Instruction {
	instructions := []Instruction{}
	stash := []*TaskState{}

	for m.readyQueue.Len() > 0 && m.executingCount < m.config.ThreadCount {
		ts := m.readyQueue.Pop()
		if ts.state != protocol.TaskReady {
			continue
		}

		if !m.resourcesAvailable(ts) {
			stash = append(stash, ts)
			continue
		}

		deps := make([]string, 0, len(ts.Dependencies))
		for dep := range ts.Dependencies {
			deps = append(deps, dep.Key)
		}
		sort.Strings(deps)

		recs := recommendations{ts: protocol.TaskExecuting}
		instructions = append(instructions, m.processRecommendations(recs, stimID)...)
		instructions = append(instructions, &Execute{
			Key:          ts.Key,
			Role:         ts.Executor.OrDefault(),
			RunSpec:      ts.RunSpec,
			Dependencies: deps,
		})
	}

	for _, ts := range stash {
		m.readyQueue.Push(ts)
	}

	return instructions
}

// Busy retry delay for a peer: bounded exponential backoff.
func (m *Machine) busyDelay(peer string) time.Duration {
	delay := m.config.BusyRetryDelay
	for i := 1; i < m.busyCount[peer]; i++ {
		delay *= 2
		if delay >= m.config.BusyRetryMaxDelay {
			return m.config.BusyRetryMaxDelay
		}
	}
	return delay
}
