//go:build !unix

package diskstat

// FreeBytes 非 unix 平台不做检测
func FreeBytes(path string) (uint64, error) {
	return 0, ErrUnsupported
}
