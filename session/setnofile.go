//go:build !windows

package session

import "syscall"

// setNoFile raises the open-file soft limit; a session with many
// torrents holds one descriptor per output file plus one per peer.
func setNoFile(value uint64) error {
	if value == 0 {
		return nil
	}
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= value {
		return nil
	}
	rLimit.Cur = value
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
