//go:build !unix

package existence

import "os"

// Without flock the reservation relies on BoltDB's own file lock.
func tryLock(*os.File) error { return nil }

func unlock(*os.File) {}
