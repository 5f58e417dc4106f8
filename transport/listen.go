package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dWire/transport/common"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Listener Setup
// --------------------------------------------------------------------------

// listenTCP binds a non-blocking TCP listener and returns its fd plus the
// resolved address (port 0 binds an ephemeral port).
func listenTCP(cfg common.TransportConfig) (int, string, error) {
	family := unix.AF_INET
	if cfg.IPv6 {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("failed to create listener socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	if cfg.IPv6 {
		// Dual-stack so v4-mapped peers can connect too
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, "", fmt.Errorf("failed to clear IPV6_V6ONLY: %w", err)
		}
	}

	ip := net.ParseIP(cfg.BindIP)
	if ip == nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("invalid bind ip %q", cfg.BindIP)
	}

	var sa unix.Sockaddr
	if cfg.IPv6 {
		sa6 := &unix.SockaddrInet6{Port: cfg.Port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	} else {
		ip4 := ip.To4()
		if ip4 == nil {
			unix.Close(fd)
			return -1, "", fmt.Errorf("bind ip %q is not an IPv4 address", cfg.BindIP)
		}
		sa4 := &unix.SockaddrInet4{Port: cfg.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to bind %s:%d: %w", cfg.BindIP, cfg.Port, err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to listen on %s:%d: %w", cfg.BindIP, cfg.Port, err)
	}

	// Read the bound address back so an ephemeral port becomes visible
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("failed to resolve listener address: %w", err)
	}

	return fd, sockaddrToString(bound), nil
}

// listenUnixSocket binds a non-blocking unix domain listener, replacing a
// stale socket file and restricting the file mode to the owner.
func listenUnixSocket(path string, backlog int) (int, error) {
	if err := os.RemoveAll(path); err != nil {
		return -1, fmt.Errorf("failed to remove stale socket file %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create unix socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, common.DefaultUnixSocketPerm); err != nil {
		unix.Close(fd)
		os.RemoveAll(path)
		return -1, fmt.Errorf("failed to chmod unix socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		os.RemoveAll(path)
		return -1, fmt.Errorf("failed to listen on unix socket %s: %w", path, err)
	}

	return fd, nil
}

// --------------------------------------------------------------------------
// Accept Loop
// --------------------------------------------------------------------------

// armAccept schedules the next round of the accept loop. The loop is
// self-perpetuating; it only halts once the transport layer leaves the
// running state. Failing to re-arm while running leaves the listener
// dead, which is unrecoverable.
func (tl *TransportLayerReactor) armAccept(fd int, tcp bool) {
	if err := tl.reactor.ArmRead(fd, func() { tl.acceptLoop(fd, tcp) }); err != nil {
		if tl.isRunning() {
			Logger.Panicf("accept loop on fd %d cannot re-arm: %v", fd, err)
		}
	}
}

// acceptLoop drains the listener's accept queue, then re-arms itself
func (tl *TransportLayerReactor) acceptLoop(fd int, tcp bool) {
	for tl.isRunning() {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if !tl.isRunning() {
				return
			}
			Logger.Errorf("failed to accept connection: %v", err)
			break
		}
		tl.handleAccepted(nfd, sa, tcp)
	}

	if tl.isRunning() {
		tl.armAccept(fd, tcp)
	}
}

// handleAccepted wraps a freshly accepted connection into a session, adds
// it to the live registry and hands it to the service entry point.
func (tl *TransportLayerReactor) handleAccepted(nfd int, sa unix.Sockaddr, tcp bool) {
	if tcp {
		if err := setNoDelay(nfd); err != nil {
			Logger.Warningf("failed to set TCP_NODELAY: %v", err)
		}
	}

	remote := sockaddrToString(sa)
	st, err := newStream(nfd, tl.reactor, localAddrString(nfd), remote)
	if err != nil {
		Logger.Errorf("failed to register connection from %s: %v", remote, err)
		unix.Close(nfd)
		return
	}

	sess := tl.registerSession(st, TagExternal)
	if !tl.isRunning() {
		// Lost the race against shutdown, tear the session back down
		sess.end()
		return
	}

	connectionsAcceptedTotal.Inc()
	Logger.Infof("connection accepted from %s (session %d)", remote, sess.ID())
	if tl.sep != nil {
		tl.sep.StartSession(sess)
	}
}

// --------------------------------------------------------------------------
// Dialing
// --------------------------------------------------------------------------

// dialNonblock creates a non-blocking socket for the given address and
// starts connecting. Addresses beginning with a slash dial a unix domain
// socket, everything else is host:port. pending reports whether the
// connect is still in progress and needs writability to settle.
func dialNonblock(addr string) (fd int, tcp bool, pending bool, err error) {
	var sa unix.Sockaddr

	if strings.HasPrefix(addr, "/") {
		fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, false, false, fmt.Errorf("failed to create unix socket: %w", err)
		}
		sa = &unix.SockaddrUnix{Name: addr}
	} else {
		host, portStr, serr := net.SplitHostPort(addr)
		if serr != nil {
			return -1, false, false, fmt.Errorf("invalid address %q: %w", addr, serr)
		}
		port, perr := strconv.Atoi(portStr)
		if perr != nil || port < 0 || port > 65535 {
			return -1, false, false, fmt.Errorf("invalid port in address %q", addr)
		}

		ip := net.ParseIP(host)
		if ip == nil {
			ips, lerr := net.LookupIP(host)
			if lerr != nil || len(ips) == 0 {
				return -1, false, false, fmt.Errorf("failed to resolve %q: %w", host, lerr)
			}
			ip = ips[0]
		}

		tcp = true
		if ip4 := ip.To4(); ip4 != nil {
			fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				return -1, false, false, fmt.Errorf("failed to create socket: %w", err)
			}
			sa4 := &unix.SockaddrInet4{Port: port}
			copy(sa4.Addr[:], ip4)
			sa = sa4
		} else {
			fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				return -1, false, false, fmt.Errorf("failed to create socket: %w", err)
			}
			sa6 := &unix.SockaddrInet6{Port: port}
			copy(sa6.Addr[:], ip.To16())
			sa = sa6
		}
	}

	switch cerr := unix.Connect(fd, sa); {
	case cerr == nil:
		return fd, tcp, false, nil
	case errors.Is(cerr, unix.EINPROGRESS):
		return fd, tcp, true, nil
	default:
		unix.Close(fd)
		return -1, false, false, fmt.Errorf("failed to connect to %s: %w", addr, cerr)
	}
}

// connectResult reads the outcome of an asynchronous connect off the
// socket once it reported writability.
func connectResult(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// --------------------------------------------------------------------------
// Address Formatting
// --------------------------------------------------------------------------

func sockaddrToString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix"
		}
		return a.Name
	default:
		return "unknown"
	}
}

func localAddrString(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "unknown"
	}
	return sockaddrToString(sa)
}
