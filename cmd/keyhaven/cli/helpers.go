package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/keyhaven/keyhaven/internal/crypto"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// devEncryptionKey is the fallback vault passphrase. Anything encrypted
// under it is readable by anyone with this source, so serve warns loudly
// when it is in use.
const devEncryptionKey = "keyhaven-dev-encryption-key-change-me"

// resolveDataDir returns the data directory from --data-dir flag,
// KEYHAVEN_DATA_DIR env var, or ~/.keyhaven as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYHAVEN_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keyhaven"
}

// openStore opens the SQLite store, defaulting to ~/.keyhaven if no data
// dir was specified.
func openStore() (*store.Store, error) {
	return store.NewStore(resolveDataDir())
}

// encryptionKey returns the configured vault passphrase, falling back to
// the development default.
func encryptionKey() string {
	if key := viper.GetString("auth.encryption_key"); key != "" {
		return key
	}
	if key := os.Getenv("KEYHAVEN_ENCRYPTION_KEY"); key != "" {
		return key
	}
	return devEncryptionKey
}

// newKeyService builds a KeyService over the given store using the
// configured encryption key.
func newKeyService(st *store.Store, logger *slog.Logger) *service.KeyService {
	return service.NewKeyService(st, crypto.NewEncryptor(encryptionKey()), logger)
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "keyhaven.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "keyhaven.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
