package routes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/koltyakov/addr/internal/netutil"
)

// ErrNoRoute is returned by [FileSink.Resolve] when the router would refuse
// the host.
var ErrNoRoute = errors.New("no route")

// FileSink writes names/<domain> holding the port and ports/<port> holding
// the domain.
type FileSink struct {
	namesDir string
	portsDir string
}

// NewFileSink creates both directories if needed.
func NewFileSink(namesDir, portsDir string) (*FileSink, error) {
	for _, dir := range []string{namesDir, portsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create route dir: %w", err)
		}
	}
	return &FileSink{namesDir: namesDir, portsDir: portsDir}, nil
}

// Publish writes both files. Each write replaces the file atomically so the
// router never reads a partial value.
func (s *FileSink) Publish(_ context.Context, b Binding) error {
	if b.Domain == "" || b.Port <= 0 {
		return fmt.Errorf("invalid binding %q -> %d", b.Domain, b.Port)
	}
	port := strconv.Itoa(b.Port)
	if err := writeFileAtomic(filepath.Join(s.namesDir, b.Domain), port); err != nil {
		return fmt.Errorf("write name file: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.portsDir, port), b.Domain); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return nil
}

// Resolve applies the router's acceptance rule to a Host header: the port
// named by names/<host> must in turn name the same host in ports/<port>.
func (s *FileSink) Resolve(host string) (Binding, error) {
	domainName := netutil.SanitizeRouteHost(host)
	if domainName == "" {
		return Binding{}, ErrNoRoute
	}
	rawPort, err := readTrimmed(filepath.Join(s.namesDir, domainName))
	if err != nil {
		return Binding{}, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return Binding{}, fmt.Errorf("%w: %s holds %q", ErrNoRoute, domainName, rawPort)
	}
	owner, err := readTrimmed(filepath.Join(s.portsDir, strconv.Itoa(port)))
	if err != nil {
		return Binding{}, err
	}
	if owner != domainName {
		return Binding{}, fmt.Errorf("%w: port %d belongs to %s", ErrNoRoute, port, owner)
	}
	return Binding{Domain: domainName, Port: port}, nil
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, filepath.Base(path))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func writeFileAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
