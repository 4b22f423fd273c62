package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	appconfig "hermesgw/config"
)

// Kind selects the client transport. There are exactly two.
type Kind int

const (
	KindWebSocket Kind = iota
	KindIPC
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return appconfig.ListenerWebSocket
	case KindIPC:
		return appconfig.ListenerIPC
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a listener.kind config value or CLI subcommand to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case appconfig.ListenerWebSocket:
		return KindWebSocket, nil
	case appconfig.ListenerIPC:
		return KindIPC, nil
	default:
		return 0, fmt.Errorf("unknown listener kind %q", s)
	}
}

// Listen binds a TCP address for websocket clients or a unix socket path for
// ipc clients. A socket file left behind by a previous run is removed first.
func Listen(kind Kind, target string) (net.Listener, error) {
	switch kind {
	case KindWebSocket:
		ln, err := net.Listen("tcp", target)
		if err != nil {
			return nil, fmt.Errorf("listen ws %s: %w", target, err)
		}
		return ln, nil
	case KindIPC:
		if err := removeStaleSocket(target); err != nil {
			return nil, err
		}
		ln, err := net.Listen("unix", target)
		if err != nil {
			return nil, fmt.Errorf("listen ipc %s: %w", target, err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("listen: unknown kind %s", kind)
	}
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat ipc socket %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("ipc path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale ipc socket %s: %w", path, err)
	}
	return nil
}
