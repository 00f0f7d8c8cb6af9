//go:build !unix

package kv

import "os"

// Advisory locking is only implemented on unix; elsewhere the lock file is
// created but not locked.
func acquireFileLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func releaseFileLock(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
