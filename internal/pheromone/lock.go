// Package pheromone implements the durable, cross-process shared state and
// append-only event trace described in spec.md 4.1, plus in-process
// subscriber delivery.
package pheromone

import (
	"fmt"
	"os"
	"time"
)

// staleAfter is the holder-metadata staleness window: a lock file whose
// recorded unix_time is older than this is assumed abandoned by a dead
// process and is reclaimed by the next acquirer.
const staleAfter = 300 * time.Second

// lockDriver is one strategy for acquiring the exclusive lock file.
// ExclusiveFileLock probes drivers in preference order at construction and
// sticks with the first one that the OS accepts, per spec.md 9's
// "ExclusiveFileLock capability with three drivers selected by probing".
type lockDriver interface {
	name() string
	// tryAcquire attempts a single non-blocking acquisition of path.
	// ok=false, err=nil means "currently held by someone else, try again".
	tryAcquire(path string) (f *os.File, ok bool, err error)
	release(f *os.File, path string) error
}

// ExclusiveFileLock is a single uniform locking capability backed by
// whichever driver the current OS supports, including stale-lock
// reclamation keyed on holder metadata "pid:unix_time:hostname".
type ExclusiveFileLock struct {
	path   string
	driver lockDriver
	f      *os.File
}

// NewExclusiveFileLock selects a driver for path by probing in preference
// order: (1) advisory byte-range lock, (2) mandatory byte-range lock,
// (3) atomic create-if-not-exists fallback. All three are expressed here as
// OS-selected drivers rather than duplicated per caller.
func NewExclusiveFileLock(path string) *ExclusiveFileLock {
	return &ExclusiveFileLock{path: path, driver: probeDriver(path)}
}

// probeDriver exercises the OS-preferred driver against a disposable probe
// file; if it errors for any reason other than lock contention (e.g. the
// filesystem rejects byte-range locks entirely, as some network mounts do),
// it falls back to the universal create-based driver.
func probeDriver(path string) lockDriver {
	preferred := selectDriver()
	probePath := path + ".probe"
	defer os.Remove(probePath)

	f, ok, err := preferred.tryAcquire(probePath)
	if err != nil {
		return createDriver{}
	}
	if ok {
		_ = preferred.release(f, probePath)
	}
	return preferred
}

// Acquire blocks (polling at 100ms) until the lock is obtained or timeout
// elapses, reclaiming any stale holder first.
func (l *ExclusiveFileLock) Acquire(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		reclaimStale(l.path)

		f, ok, err := l.driver.tryAcquire(l.path)
		if err != nil {
			return false, err
		}
		if ok {
			l.f = f
			writeHolderMetadata(f)
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Release always releases, on all exit paths including panics recovered by
// the caller's defer.
func (l *ExclusiveFileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := l.driver.release(l.f, l.path)
	l.f = nil
	return err
}

func writeHolderMetadata(f *os.File) {
	hostname, _ := os.Hostname()
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d:%d:%s", os.Getpid(), time.Now().Unix(), hostname)
	_ = f.Sync()
}

// reclaimStale removes the lock file if its holder metadata is older than
// staleAfter, so a crashed holder never wedges the bus indefinitely.
func reclaimStale(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var pid int
	var unixTime int64
	var hostname string
	if _, err := fmt.Sscanf(string(data), "%d:%d:%s", &pid, &unixTime, &hostname); err != nil {
		return
	}
	if time.Since(time.Unix(unixTime, 0)) > staleAfter {
		_ = os.Remove(path)
	}
}
