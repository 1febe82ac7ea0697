//go:build windows

package pheromone

import (
	"os"
	"syscall"
)

// lockFileExDriver is the mandatory byte-range lock driver (preference 2 in
// spec.md 9's ordering; on Windows, LockFileEx with the exclusive flag is
// enforced by the OS against all readers/writers, not merely cooperating
// ones, which is why it ranks below the Unix advisory driver only in name,
// not in strength).
type lockFileExDriver struct{}

func (lockFileExDriver) name() string { return "lockfileex-mandatory" }

func (lockFileExDriver) tryAcquire(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	ol := new(syscall.Overlapped)
	const lockfileExclusiveLock = 0x2
	const lockfileFailImmediately = 0x1
	err = syscall.LockFileEx(syscall.Handle(f.Fd()), lockfileExclusiveLock|lockfileFailImmediately, 0, 1, 0, ol)
	if err != nil {
		_ = f.Close()
		return nil, false, nil
	}
	return f, true, nil
}

func (lockFileExDriver) release(f *os.File, path string) error {
	ol := new(syscall.Overlapped)
	_ = syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, ol)
	return f.Close()
}

func selectDriver() lockDriver {
	return lockFileExDriver{}
}
