package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultHeartbeatFile is the record name used by the legacy endpoint.
const DefaultHeartbeatFile = "polled"

const heartbeatSuffix = " OK\n"

// WriteHeartbeat replaces the heartbeat record with value followed by " OK\n".
// The value is stored verbatim. The record is written to a hidden temporary
// file and renamed into place so readers never see a partial line.
func (s *Store) WriteHeartbeat(value string) error {
	target := s.heartbeatPath()

	tmp, err := os.CreateTemp(s.root, ".heartbeat-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value + heartbeatSuffix); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadHeartbeat returns the heartbeat record, or "" when none was written.
func (s *Store) ReadHeartbeat() (string, error) {
	data, err := os.ReadFile(s.heartbeatPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (s *Store) heartbeatPath() string {
	return filepath.Join(s.root, s.heartbeat)
}
