//go:build !unix

package audit

import "os"

// Without flock only the in-process partition mutex serializes appends.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
