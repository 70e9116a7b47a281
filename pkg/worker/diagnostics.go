package worker

import (
	"fmt"
	"sort"

	"github.com/srand/grid/pkg/protocol"
)

// A point-in-time view of one task, safe to hand out of the machine.
type TaskInfo struct {
	Key             string                 `json:"key"`
	State           protocol.TaskState     `json:"state"`
	Priority        []int                  `json:"priority,omitempty"`
	NBytes          int64                  `json:"nbytes,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	Dependents      []string               `json:"dependents,omitempty"`
	WhoHas          []string               `json:"who_has,omitempty"`
	ComingFrom      string                 `json:"coming_from,omitempty"`
	SuspiciousCount int                    `json:"suspicious_count,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// StateOf returns the current state of a key, or forgotten if the
// key is unknown.
func (m *Machine) StateOf(key string) protocol.TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.tasks[key]
	if !ok {
		return protocol.TaskForgotten
	}
	return ts.state
}

// Tasks returns a snapshot of all known tasks, sorted by key.
func (m *Machine) Tasks() []*TaskInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*TaskInfo, 0, len(m.tasks))
	for _, ts := range m.tasks {
		info := &TaskInfo{
			Key:             ts.Key,
			State:           ts.state,
			Priority:        ts.Priority,
			NBytes:          ts.NBytes,
			ComingFrom:      ts.ComingFrom,
			SuspiciousCount: ts.SuspiciousCount,
			Metadata:        ts.Metadata,
			WhoHas:          ts.Holders(),
		}
		for dep := range ts.Dependencies {
			info.Dependencies = append(info.Dependencies, dep.Key)
		}
		for dep := range ts.Dependents {
			info.Dependents = append(info.Dependents, dep.Key)
		}
		sort.Strings(info.Dependencies)
		sort.Strings(info.Dependents)
		if ts.Err != nil {
			info.Error = ts.Err.Error()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// TaskCount returns the number of tasks currently tracked.
func (m *Machine) TaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// ExecutingCount returns the number of tasks occupying an executor
// slot.
func (m *Machine) ExecutingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executingCount
}

// ReadyCount returns the number of tasks queued for execution.
func (m *Machine) ReadyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readyQueue.Len()
}

// InFlightCount returns the number of keys currently being fetched.
func (m *Machine) InFlightCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, batch := range m.inFlight {
		count += len(batch)
	}
	return count
}

// Validate checks the machine's internal bookkeeping invariants and
// returns a description of every violation found.
func (m *Machine) Validate() []error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errors := []error{}
	report := func(format string, args ...any) {
		errors = append(errors, fmt.Errorf(format, args...))
	}

	executing := 0
	for key, ts := range m.tasks {
		if ts.Key != key {
			report("task %s indexed under wrong key %s", ts.Key, key)
		}

		switch ts.state {
		case protocol.TaskFetch, protocol.TaskFlight:
			if len(ts.WhoHas) == 0 {
				report("task %s is %s without known holders", key, ts.state)
			}
		case protocol.TaskMissing:
			if len(ts.WhoHas) != 0 {
				report("task %s is missing but has holders %v", key, ts.Holders())
			}
		case protocol.TaskMemory:
			if !m.data.Has(key) {
				report("task %s is in memory but the store has no value", key)
			}
		case protocol.TaskCancelled, protocol.TaskResumed:
			if ts.Previous == "" {
				report("task %s is %s without a previous state", key, ts.state)
			}
		case protocol.TaskErrored:
			if ts.Err == nil {
				report("task %s is erred without an error", key)
			}
		}

		if ts.state == protocol.TaskFlight && ts.ComingFrom == "" {
			report("task %s is in flight from nowhere", key)
		}

		switch ts.state {
		case protocol.TaskExecuting, protocol.TaskLongRunning, protocol.TaskFlight:
			if ts.Done {
				report("task %s is %s but its operation is marked done", key, ts.state)
			}
		}

		if ts.occupiesSlot {
			executing++
		}

		for dep := range ts.WaitingFor {
			if _, ok := ts.Dependencies[dep]; !ok {
				report("task %s waits for %s which is not a dependency", key, dep.Key)
			}
			if dep.state == protocol.TaskMemory {
				report("task %s waits for %s which is already in memory", key, dep.Key)
			}
		}
		for dep := range ts.Dependencies {
			if _, ok := dep.Dependents[ts]; !ok {
				report("dependency link %s -> %s is one-sided", key, dep.Key)
			}
		}
	}

	if executing != m.executingCount {
		report("executing count is %d but %d tasks occupy a slot", m.executingCount, executing)
	}

	for peer, batch := range m.inFlight {
		for key, ts := range batch {
			if other, ok := m.tasks[key]; ok && other != ts {
				report("in-flight task %s from %s is stale", key, peer)
			}
		}
	}

	return errors
}
