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

// ListenFdsEnvKey is the environment variable a supervisor uses to pass
// already-bound listening sockets, as colon-separated descriptor numbers.
const ListenFdsEnvKey = "LISTEN_FDS"

// ParseInheritedListenerFDs returns the descriptor numbers listed in
// envVarName, or nil when it is unset.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// NewListenerFromFD wraps an inherited listening socket. The returned
// listener owns the descriptor.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	// FileListener dups the descriptor, so the original is released either way.
	defer file.Close()
	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for fd %d: %w", fd, err)
	}
	return l, nil
}

// Listen returns the first socket inherited through LISTEN_FDS, or a new TCP
// listener on address when none was passed.
func Listen(address string) (net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil {
		return nil, err
	}
	if len(fds) > 0 {
		return NewListenerFromFD(fds[0])
	}
	l, err := net.Listen("tcp", address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("address %s already in use: %w", address, err)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return l, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
