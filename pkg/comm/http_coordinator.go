package comm

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/protocol"
	"github.com/srand/grid/pkg/utils"
)

// A coordinator connection over HTTP.
// Notifications are posted to the coordinator; inbound commands
// arrive on the worker's own HTTP surface and are injected
// through Deliver.
type HttpCoordinatorConn struct {
	sync.Mutex

	uri      string
	client   *http.Client
	commands chan protocol.Command
	closed   bool
}

func NewHttpCoordinatorConn(uri string, timeout time.Duration) *HttpCoordinatorConn {
	return &HttpCoordinatorConn{
		uri: uri,
		client: &http.Client{
			Timeout: timeout,
		},
		commands: make(chan protocol.Command, 100),
	}
}

func (c *HttpCoordinatorConn) Notify(n protocol.Notification) error {
	body, err := protocol.EncodeNotification(n)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/worker/notify", c.uri)
	response, err := c.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", utils.ErrBadRequest, response.Status)
	}

	return nil
}

func (c *HttpCoordinatorConn) Commands() <-chan protocol.Command {
	return c.commands
}

// Deliver injects a command received on the worker's HTTP surface.
func (c *HttpCoordinatorConn) Deliver(cmd protocol.Command) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		log.Debug("Dropping command, connection closed:", cmd.CommandName())
		return
	}

	c.commands <- cmd
}

func (c *HttpCoordinatorConn) Close() error {
	c.Lock()
	defer c.Unlock()

	if !c.closed {
		c.closed = true
		close(c.commands)
	}
	return nil
}
