package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// Config carries every knob spec.md §6 names plus the ambient knobs the
// example daemon needs to run (listen address, log level, dataset URLs).
// CLI parsing itself is ambient plumbing carried over from the teacher,
// not a feature this module adds.
type Config struct {
	ListenAddr string // e.g. ":7070"
	LogLevel   string // "info", "debug", etc.
	PeerSetID  uint64

	SendTimeoutSeconds    int
	ReceiveBufferSize     int
	ReceiveBufferMaxSize  int
	ReceiveBufferStepSize int
	QueueMaxSize          int
	QueueType             string // "block", "drop", "callback", "throw"
	PDUSendTimeoutSeconds int

	DatasetURLs            []string
	DatasetRefreshInterval time.Duration
}

const (
	DefaultSendTimeoutSeconds    = 5
	DefaultReceiveBufferSize     = 4096
	DefaultReceiveBufferMaxSize  = 1 << 20
	DefaultReceiveBufferStepSize = 4096
	DefaultQueueMaxSize          = 256
	DefaultQueueType             = "block"
	DefaultPDUSendTimeoutSeconds = 0
)

type urlList []string

func (u *urlList) String() string {
	return fmt.Sprint(*u)
}

func (u *urlList) Set(value string) error {
	*u = append(*u, value)
	return nil
}

// QueuePolicy maps the configured QueueType string to a pduqueue policy.
func (c *Config) QueuePolicy() (pduqueue.OverflowPolicy, error) {
	switch c.QueueType {
	case "block":
		return pduqueue.Block, nil
	case "drop":
		return pduqueue.Drop, nil
	case "callback":
		return pduqueue.Callback, nil
	case "throw":
		return pduqueue.Throw, nil
	default:
		return 0, fmt.Errorf("config: unknown queue type %q", c.QueueType)
	}
}

// Load reads config from flags, falling back to the fabric's defaults.
func Load() (*Config, error) {
	var urls urlList
	cfg := &Config{
		ListenAddr:             ":7070",
		LogLevel:               "info",
		SendTimeoutSeconds:     DefaultSendTimeoutSeconds,
		ReceiveBufferSize:      DefaultReceiveBufferSize,
		ReceiveBufferMaxSize:   DefaultReceiveBufferMaxSize,
		ReceiveBufferStepSize:  DefaultReceiveBufferStepSize,
		QueueMaxSize:           DefaultQueueMaxSize,
		QueueType:              DefaultQueueType,
		PDUSendTimeoutSeconds:  DefaultPDUSendTimeoutSeconds,
		DatasetRefreshInterval: time.Hour,
	}

	listen := flag.String("listen", cfg.ListenAddr, "Address to listen on (e.g. :7070)")
	loglevel := flag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	peerSetID := flag.Uint64("peerset-id", 0, "64-bit identity sent at handshake")
	sendTimeout := flag.Int("send-timeout-seconds", cfg.SendTimeoutSeconds, "Per-PDU send deadline, in seconds")
	recvBufSize := flag.Int("recv-buffer-size", cfg.ReceiveBufferSize, "Initial receive buffer size")
	recvBufMax := flag.Int("recv-buffer-max-size", cfg.ReceiveBufferMaxSize, "Hard upper bound on receive buffer size")
	recvBufStep := flag.Int("recv-buffer-step-size", cfg.ReceiveBufferStepSize, "Receive buffer growth increment")
	queueMax := flag.Int("queue-max-size", cfg.QueueMaxSize, "PDU queue capacity")
	queueType := flag.String("queue-type", cfg.QueueType, "Overflow policy: block, drop, callback, throw")
	pduTimeout := flag.Int("pdu-send-timeout-seconds", cfg.PDUSendTimeoutSeconds, "Max in-queue age before expiry, in seconds (0 disables)")
	refresh := flag.Duration("dataset-refresh-interval", cfg.DatasetRefreshInterval, "How often to poll dataset URLs")
	flag.Var(&urls, "dataset-url", "Dataset URL to poll (can be specified multiple times)")

	flag.Parse()

	cfg.ListenAddr = *listen
	cfg.LogLevel = *loglevel
	cfg.PeerSetID = *peerSetID
	cfg.SendTimeoutSeconds = *sendTimeout
	cfg.ReceiveBufferSize = *recvBufSize
	cfg.ReceiveBufferMaxSize = *recvBufMax
	cfg.ReceiveBufferStepSize = *recvBufStep
	cfg.QueueMaxSize = *queueMax
	cfg.QueueType = *queueType
	cfg.PDUSendTimeoutSeconds = *pduTimeout
	cfg.DatasetRefreshInterval = *refresh
	cfg.DatasetURLs = urls

	if _, err := cfg.QueuePolicy(); err != nil {
		return nil, err
	}

	return cfg, nil
}
