package comm

import (
	"sync"

	"github.com/srand/grid/pkg/protocol"
)

// Pipe is an in-process coordinator connection.
// The worker end implements CoordinatorConn; the coordinator end
// is driven by a test harness or an embedding process.
type Pipe struct {
	sync.Mutex

	commands      chan protocol.Command
	notifications chan protocol.Notification
	closed        bool
}

// The coordinator-side end of a Pipe.
type PipeEnd struct {
	pipe *Pipe
}

func NewPipe() (*Pipe, *PipeEnd) {
	pipe := &Pipe{
		commands:      make(chan protocol.Command, 100),
		notifications: make(chan protocol.Notification, 100),
	}
	return pipe, &PipeEnd{pipe: pipe}
}

func (p *Pipe) Notify(n protocol.Notification) error {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return nil
	}

	p.notifications <- n
	return nil
}

func (p *Pipe) Commands() <-chan protocol.Command {
	return p.commands
}

func (p *Pipe) Close() error {
	p.Lock()
	defer p.Unlock()

	if !p.closed {
		p.closed = true
		close(p.commands)
	}
	return nil
}

// Send a command to the worker.
func (e *PipeEnd) Send(cmd protocol.Command) {
	e.pipe.Lock()
	closed := e.pipe.closed
	e.pipe.Unlock()

	if !closed {
		e.pipe.commands <- cmd
	}
}

// Notifications sent by the worker.
func (e *PipeEnd) Notifications() <-chan protocol.Notification {
	return e.pipe.notifications
}

// Disconnect simulates a lost coordinator connection.
func (e *PipeEnd) Disconnect() {
	e.pipe.Close()
}
