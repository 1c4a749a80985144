package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// migrateLegacy moves a pre-split status.json from the site root into the
// config directory, dropping the embedded user_management section that the
// users document now owns.
func (m *Manager) migrateLegacy() error {
	legacy := filepath.Join(m.siteDir, statusFile)
	target := m.statusPath()

	if _, err := os.Stat(target); err == nil {
		return nil // already migrated
	}
	data, err := os.ReadFile(legacy)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "user_management")

	if err := writeJSONAtomic(target, raw); err != nil {
		return err
	}
	if err := os.Remove(legacy); err != nil {
		m.log.Warn("legacy status.json left in place after migration", zap.Error(err))
	}
	m.log.Info("migrated legacy status.json", zap.String("from", legacy), zap.String("to", target))
	return nil
}
