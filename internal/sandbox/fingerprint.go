package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Fingerprint computes a stable digest of a workspace's file tree: every
// tracked file's relative path, size, and mtime, in sorted path order. It is
// cheap enough to run on every Start/resume (unlike hashing file contents)
// while still catching the out-of-band edits the resume guard (4.I) exists
// to catch. Excluded directories and secret-shaped files are skipped, same
// as Allocate, since those never make it into a sandbox either.
func Fingerprint(root string) (string, error) {
	type entry struct {
		path  string
		size  int64
		mtime int64
	}
	var entries []entry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if isExcludedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isSecretFile(info.Name()) {
			return nil
		}
		entries = append(entries, entry{path: rel, size: info.Size(), mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x1f%d\x1f%d\x1e", e.path, e.size, e.mtime)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
