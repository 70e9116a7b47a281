package protocol

import (
	"encoding/json"
	"fmt"
)

// A notification sent by a worker to the coordinator.
type Notification interface {
	NotificationName() string
}

// Reports that a task has been computed and its value stored.
type TaskFinished struct {
	Key    string `json:"key"`
	NBytes int64  `json:"nbytes"`

	// Execution start/stop timestamps, unix nanoseconds.
	StartTime int64 `json:"start_time"`
	StopTime  int64 `json:"stop_time"`
}

func (*TaskFinished) NotificationName() string { return "task-finished" }

// Reports that a task computation failed.
type TaskErred struct {
	Key   string     `json:"key"`
	Error *TaskError `json:"error"`
}

func (*TaskErred) NotificationName() string { return "task-erred" }

// Re-registers keys held by this worker so that the coordinator's
// replica bookkeeping resynchronizes. Sent after a rejected
// remove-replicas command or a successful acquisition.
type AddKeys struct {
	Keys []string `json:"keys"`
}

func (*AddKeys) NotificationName() string { return "add-keys" }

// Reports that no known peer could supply a key.
type MissingData struct {
	Key string `json:"key"`

	// The peers that claimed to hold the key but did not.
	Errant []string `json:"errant,omitempty"`
}

func (*MissingData) NotificationName() string { return "missing-data" }

// Reports a lost connection to a peer so that the coordinator
// can correct its replica bookkeeping.
type PeerUnreachable struct {
	Peer string `json:"peer"`
}

func (*PeerUnreachable) NotificationName() string { return "peer-unreachable" }

// Periodic worker liveness and load report.
type Heartbeat struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`

	Executing   int   `json:"executing"`
	Ready       int   `json:"ready"`
	InFlight    int   `json:"in_flight"`
	StoredKeys  int   `json:"stored_keys"`
	StoredBytes int64 `json:"stored_bytes"`

	// Cumulative transfer counters.
	TransfersIn  int64 `json:"transfers_in"`
	TransfersOut int64 `json:"transfers_out"`
	BytesIn      int64 `json:"bytes_in"`
	BytesOut     int64 `json:"bytes_out"`
}

func (*Heartbeat) NotificationName() string { return "heartbeat" }

var notificationFactories = map[string]func() Notification{
	(*TaskFinished)(nil).NotificationName():    func() Notification { return &TaskFinished{} },
	(*TaskErred)(nil).NotificationName():       func() Notification { return &TaskErred{} },
	(*AddKeys)(nil).NotificationName():         func() Notification { return &AddKeys{} },
	(*MissingData)(nil).NotificationName():     func() Notification { return &MissingData{} },
	(*PeerUnreachable)(nil).NotificationName(): func() Notification { return &PeerUnreachable{} },
	(*Heartbeat)(nil).NotificationName():       func() Notification { return &Heartbeat{} },
}

// EncodeNotification serializes a notification into a tagged envelope.
func EncodeNotification(n Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{Name: n.NotificationName(), Payload: payload})
}

// DecodeNotification deserializes a notification from a tagged envelope.
func DecodeNotification(data []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	factory, ok := notificationFactories[env.Name]
	if !ok {
		return nil, fmt.Errorf("unknown notification: %s", env.Name)
	}

	n := factory()
	if err := json.Unmarshal(env.Payload, n); err != nil {
		return nil, err
	}

	return n, nil
}
