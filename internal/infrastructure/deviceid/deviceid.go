// Package deviceid supplies the stable per-machine identifier sent as the
// X-Msh-Device-Id request header. The value is a 32-hex-char UUID (dashes
// stripped), lazily created on first use and cached on disk at
// ~/.kimi/device_id.
package deviceid

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	mu    sync.Mutex
	cache string
)

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kimi")
}

func idPath() string {
	return filepath.Join(baseDir(), "device_id")
}

// Get returns the device ID, generating and persisting one on first call.
// Concurrent callers within the process are serialized by mu; concurrent
// callers across processes may race on the file write, but since any valid
// UUID is an equally valid device ID, the loser's generated value is simply
// discarded in favor of whatever landed on disk.
func Get() string {
	mu.Lock()
	defer mu.Unlock()
	if cache != "" {
		return cache
	}

	path := idPath()
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			cache = id
			return cache
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := os.MkdirAll(baseDir(), 0o700); err == nil {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(id), 0o600); err == nil {
			if err := os.Rename(tmp, path); err != nil {
				os.Remove(tmp)
			}
		}
	}
	cache = id
	return cache
}
