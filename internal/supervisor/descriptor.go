package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the run state recorded in the run descriptor.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusTesting Status = "testing"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Active reports whether the supervisor should tick in this status.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusTesting
}

var (
	// ErrNoDescriptor is returned when the run descriptor does not exist.
	ErrNoDescriptor = errors.New("supervisor: no run descriptor")

	// ErrAlreadyRunning is returned by Register when another live process owns the descriptor.
	ErrAlreadyRunning = errors.New("supervisor: service already running")

	// ErrNotRunning is returned by SetStatus when no live process owns the descriptor.
	ErrNotRunning = errors.New("supervisor: service not running")
)

// Descriptor is the persisted run state other processes use to find and
// control the supervisor.
type Descriptor struct {
	PID    int       `yaml:"pid"`
	Status Status    `yaml:"status"`
	Update time.Time `yaml:"update"`
}

// DescriptorStore reads and writes one run descriptor file.
type DescriptorStore struct {
	path  string
	now   func() time.Time
	alive func(pid int) bool
}

// NewDescriptorStore creates a store for the descriptor at path.
func NewDescriptorStore(path string) *DescriptorStore {
	return &DescriptorStore{path: path, now: time.Now, alive: processAlive}
}

// Path returns the descriptor file path.
func (s *DescriptorStore) Path() string { return s.path }

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Read returns the descriptor as written, without liveness checks.
func (s *DescriptorStore) Read() (Descriptor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Descriptor{}, ErrNoDescriptor
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read run descriptor %s: %w", s.path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse run descriptor %s: %w", s.path, err)
	}
	return d, nil
}

// Write replaces the descriptor atomically and stamps its update time.
func (s *DescriptorStore) Write(d Descriptor) error {
	d.Update = s.now().UTC()
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode run descriptor: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write run descriptor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write run descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write run descriptor: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// Status returns the descriptor, reporting failed when the recorded process
// is gone without having written a stopped descriptor.
func (s *DescriptorStore) Status() (Descriptor, error) {
	d, err := s.Read()
	if err != nil {
		return Descriptor{}, err
	}
	if d.Status != StatusStopped && !s.alive(d.PID) {
		d.Status = StatusFailed
	}
	return d, nil
}

// Register claims the descriptor for pid.
func (s *DescriptorStore) Register(pid int, status Status) error {
	d, err := s.Read()
	switch {
	case errors.Is(err, ErrNoDescriptor):
	case err != nil:
		return err
	case d.PID != 0 && d.PID != pid && s.alive(d.PID):
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, d.PID)
	}
	return s.Write(Descriptor{PID: pid, Status: status})
}

// SetStatus changes the status of a running service, e.g. to pause or resume it.
func (s *DescriptorStore) SetStatus(status Status) error {
	if status != StatusRunning && status != StatusPaused && status != StatusTesting {
		return fmt.Errorf("supervisor: cannot set status %q", status)
	}
	d, err := s.Status()
	if err != nil {
		return err
	}
	if d.Status == StatusStopped || d.Status == StatusFailed {
		return ErrNotRunning
	}
	d.Status = status
	return s.Write(d)
}

// Stop sends SIGTERM to the running service and waits until it has exited
// or ctx is done.
func (s *DescriptorStore) Stop(ctx context.Context) error {
	d, err := s.Status()
	if err != nil {
		return err
	}
	if d.Status == StatusStopped || d.Status == StatusFailed {
		return nil
	}
	if err := syscall.Kill(d.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", d.PID, err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !s.alive(d.PID) {
			return nil
		}
		if cur, err := s.Read(); err == nil && cur.Status == StatusStopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for pid %d to exit: %w", d.PID, ctx.Err())
		case <-ticker.C:
		}
	}
}
