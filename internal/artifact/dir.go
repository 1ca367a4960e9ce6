package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucasnoah/stagegate/internal/fileutil"
)

const manifestFile = "manifest.json"

// DirStore keeps artifacts on disk, one directory per work item:
//
//	<root>/<item>/<name>@<digest>
//	<root>/<item>/manifest.json
type DirStore struct {
	root string
	mu   sync.Mutex
}

// NewDirStore returns a store rooted at root. The directory is created on
// first write.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Root returns the store directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) Put(_ context.Context, itemID, name, content string) (string, error) {
	if err := checkSegment("item id", itemID); err != nil {
		return "", err
	}
	if err := checkSegment("artifact name", name); err != nil {
		return "", err
	}
	ref := Ref(itemID, name, content)
	_, _, digest, _ := ParseRef(ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, itemID)
	if err := fileutil.WriteAtomic(filepath.Join(dir, name+"@"+digest), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("store artifact %s: %w", name, err)
	}
	manifest, err := s.readManifest(itemID)
	if err != nil {
		return "", err
	}
	manifest[name] = ref
	if err := fileutil.WriteJSON(filepath.Join(dir, manifestFile), manifest); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return ref, nil
}

func (s *DirStore) Get(_ context.Context, ref string) (string, error) {
	itemID, name, digest, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.root, itemID, name+"@"+digest))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", ref, err)
	}
	return string(data), nil
}

func (s *DirStore) List(_ context.Context, itemID string) (map[string]string, error) {
	if err := checkSegment("item id", itemID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readManifest(itemID)
}

func (s *DirStore) readManifest(itemID string) (map[string]string, error) {
	manifest := map[string]string{}
	err := fileutil.ReadJSON(filepath.Join(s.root, itemID, manifestFile), &manifest)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read manifest for %s: %w", itemID, err)
	}
	return manifest, nil
}
