// Package diskstat 查询数据目录所在文件系统的剩余空间，用于存储压力判断。
package diskstat

import "errors"

// ErrUnsupported 当前平台无法获取剩余空间
var ErrUnsupported = errors.New("diskstat: unsupported platform")
