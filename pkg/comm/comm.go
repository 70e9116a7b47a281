package comm

import (
	"context"

	"github.com/srand/grid/pkg/protocol"
)

// PeerClient fetches task values from other workers.
type PeerClient interface {
	// Request the values of keys from a peer.
	// A transport failure is returned as an error; busy and
	// partial responses are returned as a regular response.
	GetData(ctx context.Context, peer string, keys []string) (*protocol.GetDataResponse, error)
}

// CoordinatorConn is a worker's connection to the cluster coordinator.
type CoordinatorConn interface {
	// Send a notification to the coordinator.
	Notify(n protocol.Notification) error

	// Commands sent by the coordinator.
	// The channel is closed when the connection is lost,
	// which is fatal to the worker.
	Commands() <-chan protocol.Command

	// Close the connection.
	Close() error
}
