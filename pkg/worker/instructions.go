package worker

import (
	"time"

	"github.com/srand/grid/pkg/protocol"
)

// An instruction is a side effect recommended by the transition
// engine. Instructions are executed asynchronously by the Worker
// after the stimulus that produced them has been fully applied;
// their results come back as new stimuli.
type Instruction interface {
	instruction()
}

// Fetch a batch of keys from a peer.
type GatherDep struct {
	Peer   string
	Keys   []string
	NBytes int64
}

func (*GatherDep) instruction() {}

// Submit a task to an executor pool. The instruction carries the
// run specification and dependency keys so that execution never has
// to read machine state.
type Execute struct {
	Key          string
	Role         protocol.ExecutorRole
	RunSpec      []byte
	Dependencies []string
}

func (*Execute) instruction() {}

// Send a notification to the coordinator.
type SendMessage struct {
	Message protocol.Notification
}

func (*SendMessage) instruction() {}

// Re-evaluate a busy peer after a backoff delay.
type RetryPeerLater struct {
	Peer  string
	Delay time.Duration
}

func (*RetryPeerLater) instruction() {}
