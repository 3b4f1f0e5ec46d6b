// ABOUTME: End-to-end encryption for Matrix rooms using mautrix cryptohelper
// ABOUTME: Keeps a per-login SQLite crypto store and resets it when the device ID changes

package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoManager owns the encryption state of one Matrix login.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto initializes E2EE for a logged-in client and verifies the device
// with the recovery key. A failed verification is logged, not fatal: rooms
// still encrypt, peers just see an unverified device.
func SetupCrypto(ctx context.Context, client *mautrix.Client, userID, recoveryKey, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
	logger.Info("setting up encryption", "db", dbPath)

	if stale, err := deviceChanged(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not read stored device ID", "error", err)
	} else if stale {
		logger.Warn("device ID changed since last run, resetting crypto store")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing old crypto store: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	cm := &CryptoManager{helper: helper, logger: logger}

	machine := helper.Machine()
	if machine == nil {
		logger.Warn("crypto machine not initialized, skipping verification")
		return cm, nil
	}
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}
	return cm, nil
}

// Close releases the crypto store.
func (cm *CryptoManager) Close() error {
	if cm.helper == nil {
		return nil
	}
	return cm.helper.Close()
}

// deviceChanged reports whether an existing crypto store belongs to a
// different device than the current login.
func deviceChanged(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// storeKey derives the pickle key for a login's crypto store.
func storeKey(userID string) []byte {
	k := blake2b.Sum256([]byte("botwatch-crypto:" + userID))
	return k[:]
}

// slugify makes a Matrix user ID safe for a file name.
// Example: @sensor1:matrix.org -> sensor1_matrix.org
func slugify(userID string) string {
	out := make([]byte, 0, len(userID))
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case i == 0 && c == '@':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		case c == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}
