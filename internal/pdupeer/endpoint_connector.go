package pdupeer

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mellowdrifter/pdufabric/internal/epollmon"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
	"github.com/mellowdrifter/pdufabric/internal/sockutil"
)

// networkConnectorEndpoint specializes fdEndpoint with a connect() that
// owns the handshake: dial, send the 8-byte peerSetID, tune socket
// options, then adopt the fd. It retries once per second on disconnect,
// clearing the outbound queue between attempts.
type networkConnectorEndpoint struct {
	*fdEndpoint
	ip        [4]byte
	port      int
	peerSetID uint64
}

// NewNetworkConnector constructs a connector-specialized endpoint that
// dials (ip, port) and identifies itself with peerSetID at handshake time.
func NewNetworkConnector(log *zap.SugaredLogger, cfg Config, queue *pduqueue.Queue, monitor *epollmon.Monitor, ip [4]byte, port int, peerSetID uint64) *networkConnectorEndpoint {
	return &networkConnectorEndpoint{
		fdEndpoint: NewFDEndpoint(log, cfg, queue, monitor),
		ip:         ip,
		port:       port,
		peerSetID:  peerSetID,
	}
}

func (c *networkConnectorEndpoint) Start() error {
	if err := c.fdEndpoint.Start(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.connectLoop()
	return nil
}

// connectLoop is the "waitForConnected" retry driver: whenever the
// endpoint is disconnected it attempts connectOnce, sleeping 1s and
// clearing the outbound queue between failed attempts.
func (c *networkConnectorEndpoint) connectLoop() {
	defer c.wg.Done()
	for {
		if c.shuttingDown.Load() {
			return
		}
		if c.IsConnected() {
			if !c.sleepOrDone(200 * time.Millisecond) {
				return
			}
			continue
		}
		if err := c.connectOnce(); err != nil {
			c.log.Warnw("pdupeer: connect attempt failed, retrying", "error", err)
			c.queue.Clear()
			if !c.sleepOrDone(time.Second) {
				return
			}
		}
	}
}

func (c *networkConnectorEndpoint) sleepOrDone(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *networkConnectorEndpoint) connectOnce() error {
	fd, err := sockutil.CreateInetStreamSocket()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	if err := sockutil.SetTCPNoDelay(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}
	if err := sockutil.SetTCPQuickAck(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	if err := sockutil.ConnectTo(fd, c.ip, c.port); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], c.peerSetID)
	if n, err := sockutil.SendMsgNoSignal(fd, idBuf[:]); err != nil || n != len(idBuf) {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: handshake send incomplete", ErrCouldNotConnect)
	}

	if err := sockutil.SetTCPKeepAlive(fd, true, 4, 10*time.Second); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	return c.SetFD(fd)
}
