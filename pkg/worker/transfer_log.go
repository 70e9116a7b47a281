package worker

import (
	"sync"
	"time"
)

// One completed transfer, incoming or outgoing.
type TransferEntry struct {
	Peer   string    `json:"peer"`
	Keys   []string  `json:"keys"`
	NBytes int64     `json:"nbytes"`
	Start  time.Time `json:"start"`
	Stop   time.Time `json:"stop"`

	// ok, partial-fail, busy or failed.
	Status string `json:"status"`
}

// TransferLog is a bounded log of recent transfers plus cumulative
// counters.
type TransferLog struct {
	mu      sync.Mutex
	limit   int
	entries []*TransferEntry

	transfers int64
	nbytes    int64
}

func NewTransferLog(limit int) *TransferLog {
	if limit < 1 {
		limit = 1
	}
	return &TransferLog{limit: limit}
}

// Append records a completed transfer, evicting the oldest entry
// when the log is full.
func (l *TransferLog) Append(entry *TransferEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transfers++
	l.nbytes += entry.NBytes

	if len(l.entries) == l.limit {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
		return
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a snapshot of the retained transfers, oldest first.
func (l *TransferLog) Entries() []*TransferEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]*TransferEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// Counters returns the cumulative transfer and byte counts.
func (l *TransferLog) Counters() (int64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers, l.nbytes
}
