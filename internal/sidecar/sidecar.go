// Package sidecar builds the ".tag" metadata files that accompany episode
// payloads. A sidecar is a list of "name\tvalue" lines; the sync endpoint
// passes it through untouched and clients parse it.
package sidecar

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/tcolgate/mp3"
)

// Sidecar is the metadata written next to an episode payload.
type Sidecar struct {
	ID         string
	Priority   string
	Title      string
	Artist     string
	DurationMS int64
	Size       int64
	When       time.Time
	FeedURL    string
	TrackURL   string
}

// Build inspects an mp3 payload and returns its sidecar. The identifier is
// the file name without extension. Missing tags fall back to the identifier
// for the title, and a payload that cannot be decoded gets a duration of 0.
func Build(payloadPath string) (Sidecar, error) {
	info, err := os.Stat(payloadPath)
	if err != nil {
		return Sidecar{}, err
	}
	if info.IsDir() {
		return Sidecar{}, fmt.Errorf("%s is a directory", payloadPath)
	}

	id := strings.TrimSuffix(filepath.Base(payloadPath), filepath.Ext(payloadPath))

	title, artist := readTags(payloadPath)
	if title == "" {
		title = id
	}

	var durationMS int64
	if seconds, err := computeMP3Duration(payloadPath); err == nil && seconds > 0 {
		durationMS = int64(math.Round(seconds * 1000))
	}

	return Sidecar{
		ID:         id,
		Title:      title,
		Artist:     artist,
		DurationMS: durationMS,
		Size:       info.Size(),
		When:       info.ModTime().UTC().Truncate(time.Second),
	}, nil
}

// Encode writes the sidecar as tab-separated lines. Clients reject a sidecar
// that lacks any of id, priority, durms, title, artist, size or when, so
// those are always written, empty or not. Only the URLs are omitted when
// empty. Tabs and newlines inside values are replaced by spaces.
func (s Sidecar) Encode(w io.Writer) error {
	durationMS := s.DurationMS
	if durationMS < 0 {
		durationMS = 0
	}

	fields := []struct {
		name     string
		value    string
		optional bool
	}{
		{name: "id", value: s.ID},
		{name: "priority", value: s.Priority},
		{name: "durms", value: strconv.FormatInt(durationMS, 10)},
		{name: "title", value: s.Title},
		{name: "artist", value: s.Artist},
		{name: "size", value: strconv.FormatInt(s.Size, 10)},
		{name: "when", value: strconv.FormatInt(s.When.Unix(), 10)},
		{name: "feed_url", value: s.FeedURL, optional: true},
		{name: "track_url", value: s.TrackURL, optional: true},
	}

	for _, field := range fields {
		value := clean(field.value)
		if value == "" && field.optional {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", field.name, value); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the sidecar into dir as "{id}.tag". The file is written
// under a hidden temporary name and renamed into place, so the episode only
// becomes visible once the sidecar is complete.
func (s Sidecar) WriteFile(dir string) (string, error) {
	if s.ID == "" || strings.ContainsAny(s.ID, `/\`) {
		return "", fmt.Errorf("invalid sidecar id %q", s.ID)
	}

	target := filepath.Join(dir, s.ID+".tag")
	tmp, err := os.CreateTemp(dir, ".tag-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if err := s.Encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return target, nil
}

func clean(value string) string {
	value = strings.TrimSpace(value)
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, value)
}

func readTags(path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return "", ""
	}

	return strings.TrimSpace(meta.Title()), strings.TrimSpace(meta.Artist())
}

func computeMP3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	var skipped int
	var total float64

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration().Seconds()
	}

	return total, nil
}
