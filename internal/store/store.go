package store

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"podcast-sync/internal/models"
)

const (
	// PayloadExt is the extension of episode audio files.
	PayloadExt = ".mp3"
	// MetadataExt is the extension of episode sidecar files.
	MetadataExt = ".tag"
)

var (
	// ErrInvalidIdentifier is returned for an empty identifier or one that
	// contains a path separator.
	ErrInvalidIdentifier = errors.New("invalid episode identifier")
	// ErrNotFound is returned when the requested episode file does not exist.
	ErrNotFound = errors.New("episode not found")
	// ErrDeleteFailed is returned when either file of an episode could not be
	// removed.
	ErrDeleteFailed = errors.New("episode delete failed")
	// ErrStoreUnavailable is returned when the data directory cannot be read
	// or written.
	ErrStoreUnavailable = errors.New("episode store unavailable")
)

// Store exposes the episodes kept in a flat data directory. Every call reads
// the directory afresh; nothing is cached between requests.
type Store struct {
	root      string
	remover   Remover
	heartbeat string
	logger    *log.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithRemover selects the deletion strategy. The default is DirectRemover.
func WithRemover(r Remover) Option {
	return func(s *Store) {
		if r != nil {
			s.remover = r
		}
	}
}

// WithHeartbeatFile overrides the name of the heartbeat record inside the
// data directory.
func WithHeartbeatFile(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.heartbeat = name
		}
	}
}

// New creates a Store rooted at dir.
func New(dir string, logger *log.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		root:      filepath.Clean(dir),
		remover:   DirectRemover{},
		heartbeat: DefaultHeartbeatFile,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps an identifier to its payload and metadata paths. Identifiers
// that are empty or contain a path separator are rejected before the
// filesystem is touched.
func (s *Store) Resolve(id string) (models.Episode, error) {
	if err := ValidateID(id); err != nil {
		return models.Episode{}, err
	}
	return models.Episode{
		ID:           id,
		PayloadPath:  filepath.Join(s.root, id+PayloadExt),
		MetadataPath: filepath.Join(s.root, id+MetadataExt),
	}, nil
}

// ValidateID reports ErrInvalidIdentifier for identifiers that could escape
// the data directory.
func ValidateID(id string) error {
	if id == "" || strings.ContainsRune(id, '/') || strings.ContainsRune(id, os.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// Visible yields every episode whose payload and metadata both exist, in
// file name order. The sequence scans the directory when iterated and can be
// iterated again for a fresh view. A directory that cannot be read yields a
// single ErrStoreUnavailable error.
//
// Files removed while the scan is running are skipped.
func (s *Store) Visible() iter.Seq2[models.Episode, error] {
	return func(yield func(models.Episode, error) bool) {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			yield(models.Episode{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
			return
		}

		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, MetadataExt) || strings.HasPrefix(name, ".") {
				continue
			}

			episode, ok := s.stat(strings.TrimSuffix(name, MetadataExt))
			if !ok {
				continue
			}
			if !yield(episode, nil) {
				return
			}
		}
	}
}

func (s *Store) stat(id string) (models.Episode, bool) {
	episode, err := s.Resolve(id)
	if err != nil {
		return models.Episode{}, false
	}

	payload, err := os.Stat(episode.PayloadPath)
	if err != nil || payload.IsDir() {
		return models.Episode{}, false
	}

	meta, err := os.Stat(episode.MetadataPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("stat %s: %v", episode.MetadataPath, err)
		}
		return models.Episode{}, false
	}
	if meta.IsDir() {
		return models.Episode{}, false
	}

	episode.ModifiedAt = meta.ModTime().UTC().Truncate(time.Second)
	return episode, true
}

// Count returns the number of visible episodes.
func (s *Store) Count() (int, error) {
	count := 0
	for _, err := range s.Visible() {
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// OpenPayload opens the audio file of an episode and reports its size.
func (s *Store) OpenPayload(id string) (io.ReadCloser, int64, error) {
	episode, err := s.Resolve(id)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(episode.PayloadPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(episode.PayloadPath))
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(episode.PayloadPath))
	}

	return f, info.Size(), nil
}

// OpenMetadata opens the sidecar file of an episode.
func (s *Store) OpenMetadata(id string) (io.ReadCloser, error) {
	episode, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(episode.MetadataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(episode.MetadataPath))
		}
		return nil, err
	}
	return f, nil
}

// Delete removes both files of an episode. Both removals are attempted even
// when the first fails; any failure is reported as ErrDeleteFailed joined
// with the underlying causes.
func (s *Store) Delete(id string) error {
	episode, err := s.Resolve(id)
	if err != nil {
		return err
	}

	if err := s.remover.Remove(episode.PayloadPath, episode.MetadataPath); err != nil {
		return errors.Join(fmt.Errorf("%w: %s", ErrDeleteFailed, id), err)
	}
	s.logger.Printf("deleted episode %s", id)
	return nil
}
