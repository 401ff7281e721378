package swap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/cradle/agent"
	"github.com/projecteru2/cradle/types"
)

const (
	// createThreshold is how long the task waits after a wake before
	// evaluating, so bursts of update() calls coalesce into one cycle.
	createThreshold = 60 * time.Second
	// errorBackoff is the fixed interval between retries of a failed
	// cycle. Fixed, not exponential: the dominant failure (no disk space)
	// does not resolve on a backoff curve.
	errorBackoff = 10 * time.Second
	// maxCycleRetries bounds retries per cycle before the task parks
	// until the next wake.
	maxCycleRetries = 3

	// safetyMargin is the free space that must remain after an artifact
	// is written.
	safetyMargin = 1 << 30 // 1 GiB
	// chunkSize is the artifact streaming granularity; a stop request is
	// honoured within one chunk's write latency.
	chunkSize = 64 << 20

	mkswapPath = "/sbin/mkswap"
)

var (
	// ErrInsufficientDiskSpace aborts a cycle before any data is written.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space for swap artifact")
	// ErrStopped aborts in-progress work when a stop is requested.
	ErrStopped = errors.New("swap task stopped")
)

// RequiredBytes is the artifact sizing policy: grow provisioned swap toward
// guestMemory*percent/100, never shrink.
func RequiredBytes(guestMemory, percent, provisioned int64) int64 {
	need := guestMemory*percent/100 - provisioned
	if need < 0 {
		return 0
	}
	return need
}

// Devices is the slice of the device manager the swap task needs.
type Devices interface {
	Attach(ctx context.Context, cfg types.DeviceConfig) (types.DeviceHandle, error)
	Detach(ctx context.Context, id string) error
}

// Manager is the per-sandbox swap scaling task: a single long-lived
// goroutine that, when woken, creates a swap artifact file, hot-plugs it as
// a block device and tells the guest agent to swapon it. Cycles are strictly
// sequential; external Update calls only affect when the next cycle starts.
type Manager struct {
	dir         string
	guestMemory int64
	percent     int64
	devices     Devices
	agent       agent.Client

	// mu guards the swap state, read and written from both the task
	// goroutine and external callers.
	mu           sync.Mutex
	currentBytes int64
	nextID       int
	stopped      bool
	started      bool

	wakeCh chan struct{} // bounded; a pending wake is as good as many
	stopCh chan struct{}
	doneCh chan struct{}

	runOnce  sync.Once
	stopOnce sync.Once

	// Tunables, overridden in tests.
	threshold time.Duration
	backoff   time.Duration
	margin    int64
	statfs    func(dir string) (freeBytes int64, err error)
	format    func(ctx context.Context, path string) error
}

// New creates a Manager for one sandbox. dir is the per-sandbox artifact
// directory; guestMemory and percent define the sizing policy.
func New(dir string, guestMemory, percent int64, devices Devices, agentClient agent.Client) *Manager {
	return &Manager{
		dir:         dir,
		guestMemory: guestMemory,
		percent:     percent,
		devices:     devices,
		agent:       agentClient,
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		threshold:   createThreshold,
		backoff:     errorBackoff,
		margin:      safetyMargin,
		statfs:      statfsFree,
		format:      runMkswap,
	}
}

// Run starts the background task. Idempotent.
func (m *Manager) Run(ctx context.Context) error {
	var err error
	m.runOnce.Do(func() {
		if err = os.MkdirAll(m.dir, 0o700); err != nil {
			err = fmt.Errorf("create swap dir %s: %w", m.dir, err)
			return
		}
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.loop(context.WithoutCancel(ctx))
	})
	return err
}

// Update requests an immediate re-evaluation. Cheap and non-blocking: a
// full wake channel means a wake is already pending, which is not an error.
func (m *Manager) Update() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Stop sets the stopped flag, wakes the task so it observes it promptly,
// and waits for the task goroutine to exit. Idempotent, and safe to call if
// the task already exited on its own.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopCh)
	})
	m.Update()
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

// Clean stops the task and removes the on-disk artifact directory.
func (m *Manager) Clean(ctx context.Context) error {
	m.Stop()
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("remove swap dir %s: %w", m.dir, err)
	}
	log.WithFunc("swap.Clean").Infof(ctx, "removed swap dir %s", m.dir)
	return nil
}

// CurrentBytes returns the provisioned swap capacity.
func (m *Manager) CurrentBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBytes
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)
	logger := log.WithFunc("swap.loop")

	for {
		// WaitForWake.
		select {
		case <-m.stopCh:
			return
		case <-m.wakeCh:
		}
		if m.isStopped() {
			return
		}
		// Coalesce bursts of wakes before acting.
		if !m.sleep(m.threshold) {
			return
		}

		m.mu.Lock()
		need := RequiredBytes(m.guestMemory, m.percent, m.currentBytes)
		m.mu.Unlock()
		if need <= 0 {
			continue
		}

		for attempt := 0; attempt < maxCycleRetries; attempt++ {
			err := m.cycle(ctx, need)
			if err == nil {
				logger.Infof(ctx, "provisioned %d more swap bytes (total %d)", need, m.CurrentBytes())
				break
			}
			if errors.Is(err, ErrStopped) {
				return
			}
			logger.Warnf(ctx, "swap cycle attempt %d/%d: %v", attempt+1, maxCycleRetries, err)
			if attempt+1 < maxCycleRetries && !m.sleep(m.backoff) {
				return
			}
		}
	}
}

// sleep waits d, returning false if a stop arrived meanwhile.
func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// statfsFree returns the bytes available to unprivileged writers on the
// filesystem holding dir.
func statfsFree(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * st.Bsize, nil //nolint:gosec
}
