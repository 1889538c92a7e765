package store

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(t.TempDir(), log.New(io.Discard, "", 0), opts...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeEpisode(t *testing.T, s *Store, id, payload, meta string, modified time.Time) {
	t.Helper()
	writeFile(t, filepath.Join(s.Root(), id+PayloadExt), payload)
	tagPath := filepath.Join(s.Root(), id+MetadataExt)
	writeFile(t, tagPath, meta)
	if !modified.IsZero() {
		if err := os.Chtimes(tagPath, modified, modified); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func visibleIDs(t *testing.T, s *Store) []string {
	t.Helper()
	var ids []string
	for ep, err := range s.Visible() {
		if err != nil {
			t.Fatalf("Visible: %v", err)
		}
		ids = append(ids, ep.ID)
	}
	return ids
}

func TestResolveRejectsSeparators(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "a/b", "../etc/passwd", "/abs"} {
		if _, err := s.Resolve(id); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("expected ErrInvalidIdentifier for %q, got %v", id, err)
		}
	}

	if runtime.GOOS == "windows" {
		if _, err := s.Resolve(`a\b`); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("expected backslash to be rejected on windows")
		}
	}

	ep, err := s.Resolve("ep1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.PayloadPath != filepath.Join(s.Root(), "ep1.mp3") {
		t.Fatalf("unexpected payload path %s", ep.PayloadPath)
	}
	if ep.MetadataPath != filepath.Join(s.Root(), "ep1.tag") {
		t.Fatalf("unexpected metadata path %s", ep.MetadataPath)
	}
}

func TestVisibleRequiresBothFiles(t *testing.T) {
	s := newTestStore(t)

	writeEpisode(t, s, "complete", "audio", "meta", time.Time{})
	writeFile(t, filepath.Join(s.Root(), "tagonly.tag"), "meta")
	writeFile(t, filepath.Join(s.Root(), "audioonly.mp3"), "audio")
	writeEpisode(t, s, ".hidden", "audio", "meta", time.Time{})
	writeFile(t, filepath.Join(s.Root(), "notes.txt"), "x")

	ids := visibleIDs(t, s)
	if len(ids) != 1 || ids[0] != "complete" {
		t.Fatalf("expected only complete episode, got %v", ids)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestVisibleIsRestartable(t *testing.T) {
	s := newTestStore(t)
	writeEpisode(t, s, "a", "audio", "meta", time.Time{})

	seq := s.Visible()
	first := 0
	for range seq {
		first++
	}

	writeEpisode(t, s, "b", "audio", "meta", time.Time{})

	second := 0
	for range seq {
		second++
	}

	if first != 1 || second != 2 {
		t.Fatalf("expected a fresh scan per iteration, got %d then %d", first, second)
	}
}

func TestVisibleReportsModTime(t *testing.T) {
	s := newTestStore(t)
	stamp := time.Unix(1000, 0)
	writeEpisode(t, s, "ep1", "audio", "META1", stamp)

	for ep, err := range s.Visible() {
		if err != nil {
			t.Fatalf("Visible: %v", err)
		}
		if ep.Stamp() != 1000 {
			t.Fatalf("expected stamp 1000, got %d", ep.Stamp())
		}
	}
}

func TestVisibleMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"), log.New(io.Discard, "", 0))

	for _, err := range s.Visible() {
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
		return
	}
	t.Fatalf("expected an error from Visible")
}

func TestOpenPayload(t *testing.T) {
	s := newTestStore(t)
	writeEpisode(t, s, "ep1", "audio-bytes", "meta", time.Time{})

	rc, size, err := s.OpenPayload("ep1")
	if err != nil {
		t.Fatalf("OpenPayload: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "audio-bytes" || size != int64(len("audio-bytes")) {
		t.Fatalf("unexpected payload %q size %d", data, size)
	}

	if _, _, err := s.OpenPayload("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.OpenPayload("../ep1"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestOpenMetadata(t *testing.T) {
	s := newTestStore(t)
	writeEpisode(t, s, "ep1", "audio", "META1", time.Time{})

	rc, err := s.OpenMetadata("ep1")
	if err != nil {
		t.Fatalf("OpenMetadata: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "META1" {
		t.Fatalf("unexpected metadata %q", data)
	}

	if _, err := s.OpenMetadata("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	s := newTestStore(t)
	writeEpisode(t, s, "ep1", "audio", "meta", time.Time{})
	writeEpisode(t, s, "ep2", "audio", "meta", time.Time{})

	if err := s.Delete("ep1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, name := range []string{"ep1.mp3", "ep1.tag"} {
		if _, err := os.Stat(filepath.Join(s.Root(), name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s to be removed, stat err %v", name, err)
		}
	}

	ids := visibleIDs(t, s)
	if len(ids) != 1 || ids[0] != "ep2" {
		t.Fatalf("expected ep2 to remain, got %v", ids)
	}
}

func TestDeleteTwiceFails(t *testing.T) {
	s := newTestStore(t)
	writeEpisode(t, s, "ep1", "audio", "meta", time.Time{})
	writeEpisode(t, s, "ep2", "audio", "meta", time.Time{})

	if err := s.Delete("ep1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("ep1"); !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed on repeated delete, got %v", err)
	}
	if err := s.Delete("never-existed"); !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed for missing episode, got %v", err)
	}

	if ids := visibleIDs(t, s); len(ids) != 1 || ids[0] != "ep2" {
		t.Fatalf("store changed by failed deletes: %v", ids)
	}
}

func TestDeletePartialStillRemovesRemainingFile(t *testing.T) {
	s := newTestStore(t)
	tagPath := filepath.Join(s.Root(), "orphan.tag")
	writeFile(t, tagPath, "meta")

	err := s.Delete("orphan")
	if !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed when payload is absent, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected the missing payload cause to be reported, got %v", err)
	}
	if _, statErr := os.Stat(tagPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected metadata to be removed even though payload was missing")
	}
}

func TestDeleteInvalidIdentifierTouchesNothing(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	outside := filepath.Join(root, "victim.mp3")
	writeFile(t, outside, "keep")
	writeFile(t, filepath.Join(root, "victim.tag"), "keep")

	s := New(dataDir, log.New(io.Discard, "", 0))
	if err := s.Delete("../victim"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the store was touched: %v", err)
	}
}

type recordingRemover struct {
	paths []string
	err   error
}

func (r *recordingRemover) Remove(paths ...string) error {
	r.paths = append(r.paths, paths...)
	return r.err
}

func TestDeleteUsesConfiguredRemover(t *testing.T) {
	rec := &recordingRemover{}
	s := newTestStore(t, WithRemover(rec))

	if err := s.Delete("ep1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := []string{filepath.Join(s.Root(), "ep1.mp3"), filepath.Join(s.Root(), "ep1.tag")}
	if len(rec.paths) != 2 || rec.paths[0] != want[0] || rec.paths[1] != want[1] {
		t.Fatalf("unexpected remover paths %v", rec.paths)
	}

	rec.err = errors.New("boom")
	if err := s.Delete("ep1"); !errors.Is(err, ErrDeleteFailed) {
		t.Fatalf("expected ErrDeleteFailed, got %v", err)
	}
}
