//go:build windows

package session

// Windows has no RLIMIT_NOFILE equivalent worth adjusting.
func setNoFile(_ uint64) error { return nil }
