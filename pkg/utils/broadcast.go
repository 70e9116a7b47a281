package utils

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/srand/grid/pkg/log"
)

type BroadcastConsumer[E any] struct {
	Chan      chan E
	ID        string
	Broadcast *Broadcast[E]
}

// A broadcast queue. Items sent to the queue are delivered
// to all registered consumers.
type Broadcast[E any] struct {
	mu        sync.RWMutex
	consumers map[string]*BroadcastConsumer[E]
}

func NewBroadcast[E any]() *Broadcast[E] {
	return &Broadcast[E]{
		consumers: map[string]*BroadcastConsumer[E]{},
	}
}

func (bc *Broadcast[E]) NewConsumer() *BroadcastConsumer[E] {
	uuid, _ := uuid.NewRandom()
	consumer := &BroadcastConsumer[E]{
		Chan:      make(chan E, 100),
		ID:        uuid.String(),
		Broadcast: bc,
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.consumers[consumer.ID] = consumer
	return consumer
}

func (bc *Broadcast[E]) remove(consumer *BroadcastConsumer[E]) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.consumers, consumer.ID)
	close(consumer.Chan)
}

// Send an item to all consumers.
// Consumers that do not drain their channel in time are skipped.
func (bc *Broadcast[E]) Send(data E) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	for _, consumer := range bc.consumers {
		select {
		case consumer.Chan <- data:
		case <-time.After(time.Second):
			log.Debugf("Unable to send event to %s, channel full", consumer.ID)
		}
	}
}

// HasConsumer returns true if at least one consumer is registered.
func (bc *Broadcast[E]) HasConsumer() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.consumers) > 0
}

// Close the consumer and unregister it from the broadcast.
func (bcc *BroadcastConsumer[E]) Close() {
	bcc.Broadcast.remove(bcc)
}
