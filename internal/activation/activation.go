// Package activation supports running the webhook listener on a
// systemd-activated socket.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes sockets starting at fd 3 (after stdin/stdout/stderr).
const firstFD = 3

// Listener returns the systemd-activated listener, or nil when the process
// was not socket-activated. Only a single passed socket is supported; the
// activation environment variables are cleared so children do not inherit
// them.
func Listener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Activation targets a different process.
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected a single activated socket, got %d", numFDs)
	}

	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}()

	file := os.NewFile(uintptr(firstFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", firstFD)
	}
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}

	return listener, nil
}
