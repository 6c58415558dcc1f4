//go:build windows

package monitor

import (
	"os"
	"syscall"
	"unsafe"
)

var procCompressedSize = syscall.NewLazyDLL("kernel32.dll").NewProc("GetCompressedFileSizeW")

const invalidFileSize = 0xFFFFFFFF

// diskUsage returns the bytes allocated to a file, falling back to the
// logical size when the API call fails.
func diskUsage(path string, info os.FileInfo) int64 {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return info.Size()
	}
	var high uint32
	low, _, _ := procCompressedSize.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&high)))
	if low == invalidFileSize {
		return info.Size()
	}
	return int64(high)<<32 + int64(low)
}
