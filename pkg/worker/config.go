package worker

import (
	"errors"
	"time"

	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/utils"
)

type WorkerConfig struct {
	// The address peers use to reach this worker, host:port.
	Address string `mapstructure:"address"`

	// Listen address of the HTTP surface.
	ListenHttp string `mapstructure:"listen_http"`

	// Base URL of the coordinator service.
	CoordinatorUri string `mapstructure:"coordinator_uri"`

	// Thread count of the default executor pool.
	ThreadCount int `mapstructure:"threads"`

	// Thread count of the offload executor pool.
	OffloadThreadCount int `mapstructure:"offload_threads"`

	// Thread count of the isolated executor pool.
	IsolatedThreadCount int `mapstructure:"isolated_threads"`

	// Total units of named resources available for executing tasks.
	Resources map[string]int64 `mapstructure:"resources"`

	// Maximum number of simultaneous outgoing gather batches.
	TotalOutConnections int `mapstructure:"total_out_connections"`

	// Maximum number of simultaneous inbound get-data requests
	// served before responding busy.
	TotalInConnections int `mapstructure:"total_in_connections"`

	// Byte budget of a single gather batch.
	TransferBytesLimit int64 `mapstructure:"transfer_bytes_limit"`

	// Number of busy retries against the same peer before it is
	// treated as failed, when no alternate holder exists.
	BusyRetryCount int `mapstructure:"busy_retry_count"`

	// Initial busy retry delay. Doubled per consecutive busy
	// response, capped at BusyRetryMaxDelay.
	BusyRetryDelay    time.Duration `mapstructure:"busy_retry_delay"`
	BusyRetryMaxDelay time.Duration `mapstructure:"busy_retry_max_delay"`

	// Timeout of one gather batch exchange, connection
	// establishment included.
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`

	// Interval between coordinator heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Values at least this large are stored on disk.
	StoreFileThreshold int64 `mapstructure:"store_file_threshold"`

	// Directory of the on-disk value tier.
	StoreDir string `mapstructure:"store_dir"`

	// Maximum number of retained diagnostic events.
	StoryLimit int `mapstructure:"story_limit"`
}

// DefaultConfig returns a configuration suitable for tests and
// local use. Policy constants have no single canonical value;
// deployments tune them via configuration.
func DefaultConfig() *WorkerConfig {
	return &WorkerConfig{
		ThreadCount:         4,
		OffloadThreadCount:  2,
		IsolatedThreadCount: 1,
		TotalOutConnections: 10,
		TotalInConnections:  10,
		TransferBytesLimit:  50 * 1000 * 1000,
		BusyRetryCount:      5,
		BusyRetryDelay:      100 * time.Millisecond,
		BusyRetryMaxDelay:   2 * time.Second,
		GatherTimeout:       30 * time.Second,
		HeartbeatInterval:   time.Second,
		StoreFileThreshold:  10 * 1000 * 1000,
		StoryLimit:          100000,
	}
}

// Checks if the worker configuration is valid.
func (c *WorkerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("a worker address is required")
	}

	if c.CoordinatorUri != "" {
		if _, err := utils.ParseHttpUrl(c.CoordinatorUri); err != nil {
			return errors.New("the coordinator URI is not a valid http URI")
		}
	}

	if c.ThreadCount <= 0 {
		return errors.New("the thread count must be greater than zero")
	}

	if c.TotalOutConnections <= 0 {
		return errors.New("the outgoing connection limit must be greater than zero")
	}

	if c.TransferBytesLimit <= 0 {
		return errors.New("the transfer byte limit must be greater than zero")
	}

	if c.BusyRetryCount <= 0 {
		return errors.New("the busy retry count must be greater than zero")
	}

	return nil
}

func (c *WorkerConfig) Log() {
	log.Info("Worker configuration:")
	log.Infof("  address = %s", c.Address)
	log.Infof("  listen_http = %s", c.ListenHttp)
	log.Infof("  coordinator_uri = %s", c.CoordinatorUri)
	log.Infof("  threads = %d", c.ThreadCount)
	log.Infof("  offload_threads = %d", c.OffloadThreadCount)
	log.Infof("  isolated_threads = %d", c.IsolatedThreadCount)
	log.Infof("  total_out_connections = %d", c.TotalOutConnections)
	log.Infof("  total_in_connections = %d", c.TotalInConnections)
	log.Infof("  transfer_bytes_limit = %s", utils.HumanByteSize(c.TransferBytesLimit))
	log.Infof("  busy_retry_count = %d", c.BusyRetryCount)
	log.Infof("  busy_retry_delay = %v", c.BusyRetryDelay)
	log.Infof("  gather_timeout = %v", c.GatherTimeout)
	log.Infof("  heartbeat_interval = %v", c.HeartbeatInterval)
	for name, units := range c.Resources {
		log.Infof("  resource %s = %d", name, units)
	}
}
