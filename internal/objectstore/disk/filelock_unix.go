//go:build unix

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockFile takes (lock) or drops the fcntl write lock on the whole of f,
// waiting for other processes sharing the root to drop theirs.
func flockFile(f *os.File, lock bool) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK}
	cmd := unix.F_SETLK
	if lock {
		lk.Type = unix.F_WRLCK
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(f.Fd(), cmd, &lk)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
