//go:build linux || darwin

package backend

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// allocatedSize returns the bytes the file occupies on disk.
func allocatedSize(path string, info os.FileInfo) int64 {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil || st.Blocks == 0 {
		// Files inlined in metadata report no blocks.
		return info.Size()
	}
	return st.Blocks * 512
}

// DiskUsage reports the size and free space of the filesystem holding the root.
func (fs *Filesystem) DiskUsage(ctx context.Context) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(fs.root, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", fs.root, err)
	}
	bsize := uint64(st.Bsize) //nolint:gosec // block size is never negative
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
