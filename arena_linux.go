//go:build linux

package rangegraph

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// adviseHugePages asks the kernel to back the page-aligned interior of
// the slab with transparent huge pages, cutting TLB pressure on the
// hot search path. Errors are ignored; this is purely advisory.
func adviseHugePages[T int32 | float32](s []T) {
	if len(s) == 0 {
		return
	}
	page := uintptr(os.Getpagesize())
	start := uintptr(unsafe.Pointer(&s[0]))
	end := start + uintptr(len(s))*unsafe.Sizeof(s[0])
	aligned := (start + page - 1) &^ (page - 1)
	if aligned+page > end {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&s[0]), aligned-start)), end-aligned)
	_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
}
