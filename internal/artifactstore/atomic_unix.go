//go:build !windows

package artifactstore

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile writes data to path atomically via a temp-file-then-rename
// sequence, so a crash mid-write never leaves a torn artifact on disk.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
