package sink

import (
	"net"

	"golang.org/x/sys/unix"
)

// setMulticastTTL sets IP_MULTICAST_TTL on conn's socket, per spec.md
// §4.6's "sets multicast TTL" — there is no portable net.UDPConn method
// for this, so it goes through the raw socket via SyscallConn, the same
// escape hatch golang.org/x/sys exists for.
func setMulticastTTL(conn *net.UDPConn, ttl int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptByte(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(ttl))
	})
}
