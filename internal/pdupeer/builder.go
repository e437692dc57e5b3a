package pdupeer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mellowdrifter/pdufabric/internal/epollmon"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
	"github.com/mellowdrifter/pdufabric/internal/sockutil"
)

// ConnectorConfig describes an outbound connector peer.
type ConnectorConfig struct {
	IP   [4]byte
	Port int
}

// PeerConfig describes one statically configured peer. Connector == nil
// and InProcess == false means this peer only ever arrives via the
// acceptor. InProcess takes priority over Connector if both are set.
type PeerConfig struct {
	ID                  uint64
	Connector           *ConnectorConfig
	InProcess           bool
	InProcessDequeDepth int // 0 defaults to Endpoint.QueueMaxSize
}

// BuilderConfig is everything PDUPeerSetBuilder needs to wire one peer
// per configured peer-id, an optional listener, and one epoll monitor.
type BuilderConfig struct {
	PeerSetID  uint64
	ListenAddr string // empty disables the listener
	Peers      []PeerConfig
	Endpoint   Config
}

// Builder constructs one PDUPeer for each configured peer-id, starts an
// optional listener, and owns one EPollMonitor shared by every
// socket-backed endpoint.
type Builder struct {
	log     *zap.SugaredLogger
	monitor *epollmon.Monitor
	set     *PeerSet
	cfg     BuilderConfig

	listenFD   int
	listenPort int
	done       chan struct{}
	doneOnce   sync.Once
	wg         sync.WaitGroup
}

// ListenPort returns the port the listener is actually bound to, useful
// when BuilderConfig.ListenAddr asked for an ephemeral port (":0").
func (b *Builder) ListenPort() int { return b.listenPort }

// NewBuilder constructs every configured peer but does not start
// anything; call Start to begin dispatching.
func NewBuilder(log *zap.SugaredLogger, cfg BuilderConfig) (*Builder, error) {
	monitor, err := epollmon.New(log)
	if err != nil {
		return nil, fmt.Errorf("pdupeer: builder: %w", err)
	}

	b := &Builder{
		log:      log,
		monitor:  monitor,
		set:      NewPeerSet(log, monitor),
		cfg:      cfg,
		listenFD: -1,
		done:     make(chan struct{}),
	}

	for _, pc := range cfg.Peers {
		q := pduqueue.New(cfg.Endpoint.QueueMaxSize, cfg.Endpoint.QueuePolicy, cfg.Endpoint.PDUSendTimeout)
		var ep Endpoint
		switch {
		case pc.InProcess:
			depth := pc.InProcessDequeDepth
			if depth <= 0 {
				depth = cfg.Endpoint.QueueMaxSize
			}
			ep = NewInProcessEndpoint(log, q, depth, cfg.Endpoint.PDUSendTimeout)
		case pc.Connector != nil:
			ep = NewNetworkConnector(log, cfg.Endpoint, q, monitor, pc.Connector.IP, pc.Connector.Port, cfg.PeerSetID)
		default:
			ep = NewFDEndpoint(log, cfg.Endpoint, q, monitor)
		}
		p := NewPeer(pc.ID, q, ep)
		if err := b.set.PeerAdd(p); err != nil {
			return nil, fmt.Errorf("pdupeer: builder: adding peer %d: %w", pc.ID, err)
		}
	}

	return b, nil
}

// PeerSet returns the set this builder owns.
func (b *Builder) PeerSet() *PeerSet { return b.set }

// Start starts the epoll monitor, every configured peer, and the
// listener (if configured).
func (b *Builder) Start() error {
	b.monitor.Start()
	if err := b.set.Start(); err != nil {
		return err
	}
	if b.cfg.ListenAddr != "" {
		if err := b.startListener(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) startListener() error {
	ip, port, err := parseIPv4Addr(b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pdupeer: builder: %w", err)
	}

	fd, err := sockutil.CreateInetStreamSocket()
	if err != nil {
		return err
	}
	if err := sockutil.BindAndListen(fd, ip, port, 128); err != nil {
		_ = unix.Close(fd)
		return err
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("pdupeer: builder: getsockname: %w", err)
	}
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		b.listenPort = v4.Port
	}

	b.listenFD = fd
	b.wg.Add(1)
	go b.acceptLoop(fd)
	return nil
}

func (b *Builder) acceptLoop(fd int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		default:
		}

		cfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
				_, _ = unix.Poll(pfd, 200)
				continue
			}
			if b.log != nil {
				b.log.Warnw("pdupeer: accept failed", "error", err)
			}
			continue
		}
		go b.handshake(cfd)
	}
}

// handshake reads exactly 8 bytes as the remote peer-id, sets
// TCP_NODELAY, TCP_QUICKACK and keepalive (count 4, interval 10s), and
// routes fd to the matching peer via SetFD. Short reads, errors, or
// unknown ids close the fd without side effects.
func (b *Builder) handshake(fd int) {
	var idBuf [8]byte
	if _, err := readFullNonblocking(fd, idBuf[:], 2*time.Second); err != nil {
		_ = unix.Close(fd)
		return
	}
	id := binary.LittleEndian.Uint64(idBuf[:])

	p, ok := b.set.peerByID(id)
	if !ok {
		_ = unix.Close(fd)
		return
	}
	if sockutil.SetTCPNoDelay(fd, true) != nil ||
		sockutil.SetTCPQuickAck(fd, true) != nil ||
		sockutil.SetTCPKeepAlive(fd, true, 4, 10*time.Second) != nil {
		_ = unix.Close(fd)
		return
	}
	if err := p.Endpoint().SetFD(fd); err != nil {
		_ = unix.Close(fd)
	}
}

// Shutdown stops the listener and every peer, then the epoll monitor.
func (b *Builder) Shutdown() {
	b.doneOnce.Do(func() {
		close(b.done)
	})
	if b.listenFD >= 0 {
		_ = unix.Close(b.listenFD)
	}
	b.wg.Wait()
	b.set.Shutdown()
	b.monitor.Shutdown()
}

func readFullNonblocking(fd int, buf []byte, timeout time.Duration) (int, error) {
	total := 0
	deadline := time.Now().Add(timeout)
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				if time.Now().After(deadline) {
					return total, fmt.Errorf("pdupeer: handshake read timed out")
				}
				pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
				_, _ = unix.Poll(pfd, 100)
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

func parseIPv4Addr(addr string) (ip [4]byte, port int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return ip, 0, err
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return ip, 0, fmt.Errorf("pdupeer: %s is not an IPv4 address", addr)
	}
	copy(ip[:], v4)
	return ip, tcpAddr.Port, nil
}
