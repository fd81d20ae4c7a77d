package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ListenFdsEnvKey names the environment variable carrying inherited listener
// descriptors, colon separated (e.g. "3:4").
const ListenFdsEnvKey = "LISTEN_FDS"

func isCloexecSet(fd uintptr) (bool, error) {
	flags, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0)
	if errno != 0 {
		return false, fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, errno)
	}
	return (flags & syscall.FD_CLOEXEC) != 0, nil
}

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0)
	if errno != 0 {
		return fmt.Errorf("fcntl F_GETFD failed: %w", errno)
	}
	if enabled {
		flags |= syscall.FD_CLOEXEC
	} else {
		flags &^= syscall.FD_CLOEXEC
	}
	if _, _, errno = syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, flags); errno != 0 {
		return fmt.Errorf("fcntl F_SETFD failed: %w", errno)
	}
	return nil
}

// ListenerFD returns a duplicate of the listener's descriptor. The caller owns
// the returned file.
func ListenerFD(l net.Listener) (*os.File, error) {
	switch tl := l.(type) {
	case *net.TCPListener:
		return tl.File()
	case *net.UnixListener:
		return tl.File()
	default:
		return nil, fmt.Errorf("unsupported listener type %T", l)
	}
}

// NewListenerFromFD wraps an inherited listening socket. The descriptor is
// owned by the returned listener on success.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set FD_CLOEXEC on inherited FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// FileListener dups the descriptor, so the original is always closed here.
	defer file.Close()
	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return l, nil
}

// ParseInheritedListenerFDs reads descriptor numbers from envVarName. An unset
// or empty variable yields no descriptors.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	raw := os.Getenv(envVarName)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ":")
	fds := make([]uintptr, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in %s (value: %q): %w", envVarName, raw, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid negative FD number in %s (value: %q): %d", envVarName, raw, n)
		}
		fds = append(fds, uintptr(n))
	}
	return fds, nil
}

// InheritedListeners builds listeners for every descriptor named by
// ListenFdsEnvKey. On failure every listener created so far is closed.
func InheritedListeners() ([]net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(fds))
	for _, fd := range fds {
		l, err := NewListenerFromFD(fd)
		if err != nil {
			for _, prev := range listeners {
				prev.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// Listen opens a TCP listener on address, reporting a port conflict with a
// clearer message.
func Listen(address string) (net.Listener, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", address, err)
	}
	l, err := net.Listen("tcp", address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("address %s is already in use: %w", address, err)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return l, nil
}

// IsAddrInUse reports whether err is an "address already in use" failure.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
