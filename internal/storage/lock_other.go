//go:build !unix

package storage

import "os"

// No advisory locking here: run a single process per file store.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

func unlockFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
