//go:build !unix && !windows

package remote

import "os"

// Platforms without file locking run a single process per store.
func lockExclusive(f *os.File) error {
	return nil
}

func unlock(f *os.File) error {
	return nil
}
