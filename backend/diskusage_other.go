//go:build !linux && !darwin

package backend

import (
	"context"
	"errors"
	"os"
)

// allocatedSize rounds the file size up to a 4 KiB block.
func allocatedSize(_ string, info os.FileInfo) int64 {
	const block = 4096
	return (info.Size() + block - 1) / block * block
}

// DiskUsage is not available on this platform.
func (fs *Filesystem) DiskUsage(ctx context.Context) (total, free uint64, err error) {
	return 0, 0, errors.ErrUnsupported
}
