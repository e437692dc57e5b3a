package pdupeer

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/mellowdrifter/pdufabric/internal/sockutil"
)

func dialRaw(ip string, port int) (int, error) {
	fd, err := sockutil.CreateInetStreamSocket()
	if err != nil {
		return -1, err
	}
	var addr [4]byte
	copy(addr[:], net.ParseIP(ip).To4())
	if err := sockutil.ConnectTo(fd, addr, port); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func writeRaw(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

func closeRaw(fd int) {
	_ = unix.Close(fd)
}
