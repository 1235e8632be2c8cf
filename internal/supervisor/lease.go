package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

const (
	// LeaseLockFile is the single-flight lock held by a live supervisor.
	LeaseLockFile = "supervisor.lock"

	// LeaseInfoFile describes the current lease holder.
	LeaseInfoFile = "supervisor.json"

	// DefaultLeaseTTL is the lease metadata validity window.
	DefaultLeaseTTL = 2 * time.Minute

	minLeaseRenew = 15 * time.Second

	// acquireWait covers a LeaseHeld check that holds the lock for an
	// instant, so a starting supervisor does not mistake it for a holder.
	acquireWait       = 250 * time.Millisecond
	acquireRetryDelay = 10 * time.Millisecond
)

// LeaseInfo is the lease holder metadata.
type LeaseInfo struct {
	InstanceID string    `json:"instance_id"`
	Domain     string    `json:"domain"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Phase      Phase     `json:"phase"`
	Crashes    int       `json:"crashes"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lease is the per-domain single-flight lock of a running supervisor. The OS
// releases the lock when the holder dies, so a crashed supervisor never
// blocks its successor.
type Lease struct {
	lock     *flock.Flock
	infoPath string
	ttl      time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	info LeaseInfo

	stopCh chan struct{}
	doneCh chan struct{}
}

// AcquireLease takes the supervisor lease for the domain stored in domainDir.
// It fails with ErrAlreadySupervised when another supervisor holds it.
func AcquireLease(domainDir, domain, instanceID string, ttl time.Duration, logger *slog.Logger) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(domainDir, storage.DirPerm); err != nil {
		return nil, fmt.Errorf("create lease directory: %w", err)
	}

	lock := flock.New(filepath.Join(domainDir, LeaseLockFile))
	ctx, cancel := context.WithTimeout(context.Background(), acquireWait)
	locked, err := lock.TryLockContext(ctx, acquireRetryDelay)
	cancel()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquire lease lock: %w", err)
	}
	infoPath := filepath.Join(domainDir, LeaseInfoFile)
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, holderHint(infoPath))
	}

	host, _ := os.Hostname()
	now := time.Now().UTC()
	l := &Lease{
		lock:     lock,
		infoPath: infoPath,
		ttl:      ttl,
		logger:   logger,
		info: LeaseInfo{
			InstanceID: instanceID,
			Domain:     domain,
			PID:        os.Getpid(),
			Host:       host,
			Phase:      PhaseStarting,
			AcquiredAt: now,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := l.write(now); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	l.startRenewal()
	return l, nil
}

// Update publishes the supervisor's current machine state.
func (l *Lease) Update(m Machine) {
	l.mu.Lock()
	l.info.Phase = m.Phase
	l.info.Crashes = m.Crashes
	l.mu.Unlock()
	if err := l.write(time.Now().UTC()); err != nil {
		l.logger.Warn("lease metadata update failed", "error", err)
	}
}

// Release stops renewal and unlocks. The metadata file is left behind as a
// record of the last holder.
func (l *Lease) Release() error {
	close(l.stopCh)
	<-l.doneCh
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock lease: %w", err)
	}
	return nil
}

func (l *Lease) startRenewal() {
	interval := max(l.ttl/2, minLeaseRenew)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(l.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case now := <-ticker.C:
				if err := l.write(now.UTC()); err != nil {
					l.logger.Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
}

func (l *Lease) write(now time.Time) error {
	l.mu.Lock()
	l.info.RenewedAt = now
	l.info.ExpiresAt = now.Add(l.ttl)
	data, err := json.MarshalIndent(l.info, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal lease metadata: %w", err)
	}
	return storage.WriteFileAtomic(l.infoPath, append(data, '\n'))
}

// LeaseHeld reports whether a live supervisor holds the lease of the domain
// stored in domainDir.
func LeaseHeld(domainDir string) bool {
	path := filepath.Join(domainDir, LeaseLockFile)
	if !storage.Exists(path) {
		return false
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		// Cannot tell; claim held so callers do not start a duplicate.
		return true
	}
	if !locked {
		return true
	}
	_ = fl.Unlock()
	return false
}

// ReadLease returns the last published lease metadata.
func ReadLease(domainDir string) (LeaseInfo, error) {
	var info LeaseInfo
	data, err := os.ReadFile(filepath.Join(domainDir, LeaseInfoFile))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lease metadata: %w", err)
	}
	return info, nil
}

func holderHint(infoPath string) string {
	info, err := ReadLease(filepath.Dir(infoPath))
	if err != nil || info.InstanceID == "" {
		return "lock=" + filepath.Join(filepath.Dir(infoPath), LeaseLockFile)
	}
	return fmt.Sprintf("instance=%s pid=%d host=%s renewed_at=%s",
		info.InstanceID, info.PID, info.Host, info.RenewedAt.Format(time.RFC3339))
}
