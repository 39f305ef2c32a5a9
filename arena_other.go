//go:build !linux

package rangegraph

func adviseHugePages[T int32 | float32](s []T) {}
