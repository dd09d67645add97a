package lifecycle

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteHeader = []byte("SQLite format 3\x00")

// ValidateSessionFile checks that path holds a usable session database:
// a SQLite file with a sessions table carrying a non-null auth key. An
// invalid file must never be swapped in, so import goes through a temp
// copy validated first.
func ValidateSessionFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening session file: %w", err)
	}

	header := make([]byte, len(sqliteHeader))
	_, readErr := f.Read(header)
	_ = f.Close()

	if readErr != nil || !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("session file %s is not a SQLite database", path)
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}

	defer func() {
		_ = db.Close()
	}()

	var table string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`).Scan(&table)
	if err != nil {
		return fmt.Errorf("session file has no sessions table: %w", err)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE auth_key IS NOT NULL`).Scan(&count)
	if err != nil {
		return fmt.Errorf("reading session auth key: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("session file %s carries no auth key", path)
	}

	return nil
}

// WriteSessionFile writes uploaded session bytes next to path,
// validates the copy, and atomically renames it into place.
func WriteSessionFile(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("creating temp session: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp session: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp session: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp session: %w", err)
	}

	if err := ValidateSessionFile(tmpName); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}

	return nil
}

// RemoveSessionFile deletes the on-disk session. Missing files are fine.
func RemoveSessionFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file: %w", err)
	}

	return nil
}
