package artifact

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/bucket"
)

var (
	// ErrNotExist is returned when no artifact has been written for a key
	ErrNotExist = errors.New("artifact: does not exist")

	// ErrExists is returned when writing an artifact that is already on disk
	ErrExists = errors.New("artifact: already exists")
)

// Store reads and writes artifacts under a root directory
type Store struct {
	root string
}

// NewStore returns a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) artifactPath(key Key) string {
	return filepath.Join(s.root, key.Bucket.String(), key.SourceID+".json")
}

// AttachmentRef returns the store-relative reference for an item's attachment
func (s *Store) AttachmentRef(key Key, itemID, ext string) string {
	return filepath.ToSlash(filepath.Join(key.Bucket.String(), key.SourceID+"_images", itemID+ext))
}

// Resolve maps an attachment reference to its absolute path
func (s *Store) Resolve(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// Exists reports whether an artifact has been written for key
func (s *Store) Exists(key Key) (bool, error) {
	_, err := os.Stat(s.artifactPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads the artifact for key
func (s *Store) Load(key Key) (*Artifact, error) {
	a, err := s.LoadFile(s.artifactPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return a, err
}

// LoadFile reads and parses a single artifact file
func (s *Store) LoadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrapf(err, "parse artifact %s", path)
	}
	if a.SourceID == "" || a.TimeBucket.IsZero() {
		return nil, errors.Newf("parse artifact %s: missing source_id or time_bucket", path)
	}

	return &a, nil
}

// Write persists a new artifact. Artifacts are immutable: if one already
// exists for the key, Write returns ErrExists and leaves it untouched.
func (s *Store) Write(a *Artifact) error {
	final := s.artifactPath(a.Key())
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := writeTemp(filepath.Dir(final), "."+a.SourceID+"-*.json.tmp", data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	// Link fails if final exists, so a concurrent or earlier write is never
	// replaced.
	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return err
	}

	return nil
}

// Quarantine moves an unreadable artifact aside so the key can be written
// again. The renamed file is no longer listed by Paths.
func (s *Store) Quarantine(key Key, now time.Time) (string, error) {
	src := s.artifactPath(key)
	dst := src + ".corrupt-" + now.UTC().Format("20060102T150405Z")
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// AttachmentExists reports whether an attachment has been stored under ref
func (s *Store) AttachmentExists(ref string) bool {
	info, err := os.Stat(s.Resolve(ref))
	return err == nil && info.Mode().IsRegular()
}

// WriteAttachment stores attachment content under ref, replacing any partial
// file left by an earlier failed attempt.
func (s *Store) WriteAttachment(ref string, fill func(io.Writer) error) error {
	final := s.Resolve(ref)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".attachment-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, final)
}

// Paths lists every artifact file in the store, ordered by bucket then source.
func (s *Store) Paths() ([]string, error) {
	buckets, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, b := range buckets {
		if !b.IsDir() {
			continue
		}
		if _, err := bucket.Parse(b.Name()); err != nil {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.root, b.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			paths = append(paths, filepath.Join(s.root, b.Name(), e.Name()))
		}
	}

	sort.Strings(paths)
	return paths, nil
}

func writeTemp(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}
