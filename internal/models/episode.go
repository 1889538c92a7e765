package models

import "time"

// Episode is a payload/metadata file pair sharing one base name inside the
// data directory.
type Episode struct {
	ID           string    `json:"id"`
	PayloadPath  string    `json:"payload_path"`
	MetadataPath string    `json:"metadata_path"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// Stamp returns the metadata modification time in whole Unix seconds, the
// unit used for sync watermarks.
func (e Episode) Stamp() int64 {
	return e.ModifiedAt.Unix()
}
