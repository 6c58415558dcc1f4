//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// diskUsage returns the bytes allocated to a file, which is smaller than its
// logical size for sparse files such as badger's value logs.
func diskUsage(_ string, info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Blocks * 512
	}
	return info.Size()
}
