//go:build linux || darwin

package health

import "golang.org/x/sys/unix"

func diskUsage(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize) //nolint:gosec // block size is positive
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
