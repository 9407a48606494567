package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// lockPath maps a correlation key to a lock file name that is safe for any key content.
func lockPath(dir, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".lock")
}
