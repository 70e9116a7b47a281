package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/srand/grid/pkg/comm"
	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/store"
	"github.com/srand/grid/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// ErrCoordinatorLost is returned by Run when the coordinator
// connection closes.
var ErrCoordinatorLost = errors.New("coordinator connection lost")

// Worker drives the task state machine. It owns the single
// dispatcher goroutine through which all state mutation flows;
// executions and gathers run concurrently and report back as
// stimuli.
type Worker struct {
	config    *WorkerConfig
	id        string
	machine   *Machine
	data      store.Store
	story     *Story
	conn      comm.CoordinatorConn
	peers     comm.PeerClient
	executors *ExecutorRegistry
	metrics   *Metrics
	registry  *prometheus.Registry

	stimuli chan Stimulus
	outbox  chan protocol.Notification

	// Broadcasts the id of every fully applied stimulus.
	applied *utils.Broadcast[string]

	// Cancellation tokens of running executions, by key.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	incoming *TransferLog
	outgoing *TransferLog
}

func NewWorker(config *WorkerConfig, data store.Store, conn comm.CoordinatorConn, peers comm.PeerClient, executors *ExecutorRegistry) *Worker {
	story := NewStory(config.StoryLimit)
	registry := prometheus.NewRegistry()

	w := &Worker{
		config:    config,
		id:        workerID(),
		machine:   NewMachine(config, data, story),
		data:      data,
		story:     story,
		conn:      conn,
		peers:     peers,
		executors: executors,
		registry:  registry,
		stimuli:   make(chan Stimulus, 1000),
		outbox:    make(chan protocol.Notification, 1000),
		applied:   utils.NewBroadcast[string](),
		cancels:   map[string]context.CancelFunc{},
		incoming:  NewTransferLog(100),
		outgoing:  NewTransferLog(100),
	}

	w.metrics = NewMetrics(registry, w.machine)
	w.machine.SetObserver(w.onTransition)

	return w
}

func workerID() string {
	uid, _ := uuid.NewRandom()
	suffix := uid.String()[:8]

	id, err := machineid.ProtectedID("grid-worker")
	if err != nil {
		return suffix
	}
	return fmt.Sprintf("%s-%s", id[:8], suffix)
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Machine() *Machine {
	return w.machine
}

func (w *Worker) Story() *Story {
	return w.story
}

func (w *Worker) Data() store.Store {
	return w.data
}

func (w *Worker) Registry() *prometheus.Registry {
	return w.registry
}

func (w *Worker) IncomingTransfers() *TransferLog {
	return w.incoming
}

func (w *Worker) OutgoingTransfers() *TransferLog {
	return w.outgoing
}

// Applied broadcasts the id of every fully applied stimulus, in
// application order. Intended for diagnostics and tests that need
// to wait for the dispatcher to settle.
func (w *Worker) Applied() *utils.Broadcast[string] {
	return w.applied
}

// Post enqueues a stimulus for the dispatcher.
func (w *Worker) Post(stim Stimulus) {
	w.stimuli <- stim
}

// Run drives the worker until the context is cancelled or the
// coordinator connection is lost.
func (w *Worker) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return w.dispatch(ctx)
	})
	eg.Go(func() error {
		return w.notifyLoop(ctx)
	})
	eg.Go(func() error {
		return w.heartbeatLoop(ctx)
	})

	return eg.Wait()
}

// The single goroutine through which all state mutation flows.
func (w *Worker) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case stim := <-w.stimuli:
			w.apply(ctx, stim)

		case cmd, ok := <-w.conn.Commands():
			if !ok {
				log.Error("err - coordinator connection lost, shutting down")
				return ErrCoordinatorLost
			}
			w.apply(ctx, w.stimulusFor(cmd))
		}
	}
}

func (w *Worker) stimulusFor(cmd protocol.Command) Stimulus {
	switch c := cmd.(type) {
	case *protocol.ComputeTask:
		return NewComputeTaskStimulus(c)
	case *protocol.AcquireReplicas:
		return NewAcquireReplicasStimulus(c)
	case *protocol.RemoveReplicas:
		return NewRemoveReplicasStimulus(c.Keys)
	case *protocol.StealRequest:
		return NewStealRequestStimulus(c.Key)
	case *protocol.FreeKeys:
		return NewFreeKeysStimulus(c.Keys)
	default:
		return nil
	}
}

func (w *Worker) apply(ctx context.Context, stim Stimulus) {
	if stim == nil {
		log.Error("err - command - unknown command type")
		return
	}

	for _, instruction := range w.machine.HandleStimulus(stim) {
		switch i := instruction.(type) {
		case *GatherDep:
			go w.gather(ctx, i)

		case *Execute:
			go w.execute(ctx, i)

		case *SendMessage:
			w.notify(i.Message)

		case *RetryPeerLater:
			peer := i.Peer
			time.AfterFunc(i.Delay, func() {
				w.Post(NewRetryPeerStimulus(peer))
			})

		default:
			log.Errorf("err - instruction - unknown type: %T", instruction)
		}
	}

	if w.applied.HasConsumer() {
		w.applied.Send(stim.StimulusID())
	}
}

func (w *Worker) notify(n protocol.Notification) {
	w.outbox <- n
}

// Forwards queued notifications to the coordinator, preserving
// their order.
func (w *Worker) notifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-w.outbox:
			if err := w.conn.Notify(n); err != nil {
				log.Errorf("err - notify - %s: %v", n.NotificationName(), err)
			}
		}
	}
}

// Fetch a batch of keys from a peer and report the outcome as a
// stimulus.
func (w *Worker) gather(ctx context.Context, g *GatherDep) {
	gctx, cancel := context.WithTimeout(ctx, w.config.GatherTimeout)
	defer cancel()

	start := time.Now()
	response, err := w.peers.GetData(gctx, g.Peer, g.Keys)
	stop := time.Now()

	entry := &TransferEntry{
		Peer:  g.Peer,
		Keys:  g.Keys,
		Start: start,
		Stop:  stop,
	}

	switch {
	case err != nil:
		entry.Status = "failed"
	default:
		entry.Status = string(response.Status)
		for _, value := range response.Data {
			entry.NBytes += int64(len(value))
		}
		w.metrics.TransfersIn.Inc()
		w.metrics.BytesIn.Add(float64(entry.NBytes))
	}

	w.incoming.Append(entry)
	w.Post(NewGatherDoneStimulus(g.Peer, g.Keys, response, err, start, stop))
}

// Run a task in its executor pool and report the outcome as a
// stimulus.
func (w *Worker) execute(ctx context.Context, e *Execute) {
	runner, pool, err := w.executors.Lookup(e.Role)
	if err != nil {
		w.postFailure(e.Key, err)
		return
	}

	ectx, cancel := w.registerCancel(ctx, e.Key)
	defer w.unregisterCancel(e.Key)

	if err := pool.Acquire(ectx); err != nil {
		w.postFailure(e.Key, err)
		return
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(pool.Release)
	}
	defer release()

	var secedeOnce sync.Once
	secede := func() {
		secedeOnce.Do(func() {
			release()
			w.Post(NewSecedeStimulus(e.Key))
		})
	}

	inputs := map[string][]byte{}
	for _, dep := range e.Dependencies {
		value, err := w.data.Get(dep)
		if err != nil {
			w.postFailure(e.Key, fmt.Errorf("dependency %s unavailable: %w", dep, err))
			return
		}
		inputs[dep] = value
	}

	rc := &RunContext{
		Key:     e.Key,
		RunSpec: e.RunSpec,
		Inputs:  inputs,
		Secede:  secede,
	}

	start := time.Now()
	value, err := runner.Run(ectx, rc)
	stop := time.Now()

	cancel()
	w.metrics.TasksExecuted.Inc()

	if err != nil {
		w.metrics.TasksErred.Inc()
		w.Post(NewExecuteFailureStimulus(e.Key, protocol.NewTaskError(err)))
		return
	}

	w.Post(NewExecuteSuccessStimulus(e.Key, value, start, stop))
}

func (w *Worker) postFailure(key string, err error) {
	w.metrics.TasksExecuted.Inc()
	w.metrics.TasksErred.Inc()
	w.Post(NewExecuteFailureStimulus(key, protocol.NewTaskError(err)))
}

func (w *Worker) registerCancel(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	ectx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancels[key] = cancel
	w.mu.Unlock()

	return ectx, cancel
}

func (w *Worker) unregisterCancel(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, key)
}

// Called by the machine after every transition. Cancels the running
// execution of a task that is no longer wanted.
func (w *Worker) onTransition(ts *TaskState) {
	if ts.State() != protocol.TaskCancelled {
		return
	}

	w.mu.Lock()
	cancel, ok := w.cancels[ts.Key]
	w.mu.Unlock()

	if ok {
		cancel()
	}
}

// Periodic liveness and load reports to the coordinator.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.notify(w.heartbeat())
		}
	}
}

func (w *Worker) heartbeat() *protocol.Heartbeat {
	transfersIn, bytesIn := w.incoming.Counters()
	transfersOut, bytesOut := w.outgoing.Counters()

	return &protocol.Heartbeat{
		WorkerID:     w.id,
		Address:      w.config.Address,
		Executing:    w.machine.ExecutingCount(),
		Ready:        w.machine.ReadyCount(),
		InFlight:     w.machine.InFlightCount(),
		StoredKeys:   w.data.Len(),
		StoredBytes:  w.data.NBytes(),
		TransfersIn:  transfersIn,
		TransfersOut: transfersOut,
		BytesIn:      bytesIn,
		BytesOut:     bytesOut,
	}
}
