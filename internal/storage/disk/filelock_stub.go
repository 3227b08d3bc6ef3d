//go:build !unix

package disk

import "os"

// Writers sharing a root across processes are not serialized on this platform.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
