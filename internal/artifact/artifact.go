// Package artifact stores artifact content and hands out content-addressed
// references. Work items only record the reference.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned for an unknown reference.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifact content.
type Store interface {
	// Put stores content and returns its reference.
	Put(ctx context.Context, itemID, name, content string) (string, error)
	// Get loads content by reference.
	Get(ctx context.Context, ref string) (string, error)
	// List returns the latest reference per artifact name for an item.
	List(ctx context.Context, itemID string) (map[string]string, error)
}

// Ref builds the reference for content: "<item>/<name>@<digest>", where
// digest is the first 12 hex characters of the content's SHA-256.
func Ref(itemID, name, content string) string {
	sum := sha256.Sum256([]byte(content))
	return itemID + "/" + name + "@" + hex.EncodeToString(sum[:])[:12]
}

// ParseRef splits a reference into its parts.
func ParseRef(ref string) (itemID, name, digest string, err error) {
	slash := strings.IndexByte(ref, '/')
	at := strings.LastIndexByte(ref, '@')
	if slash <= 0 || at <= slash+1 || at == len(ref)-1 {
		return "", "", "", fmt.Errorf("malformed artifact reference %q", ref)
	}
	itemID, name, digest = ref[:slash], ref[slash+1:at], ref[at+1:]
	if err := checkSegment("item id", itemID); err != nil {
		return "", "", "", err
	}
	if err := checkSegment("artifact name", name); err != nil {
		return "", "", "", err
	}
	return itemID, name, digest, nil
}

func checkSegment(what, s string) error {
	if s == "" {
		return fmt.Errorf("%s is required", what)
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\@`) {
		return fmt.Errorf("invalid %s %q", what, s)
	}
	return nil
}

// MemoryStore keeps artifacts in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	content map[string]string
	latest  map[string]map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		content: make(map[string]string),
		latest:  make(map[string]map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, itemID, name, content string) (string, error) {
	if err := checkSegment("item id", itemID); err != nil {
		return "", err
	}
	if err := checkSegment("artifact name", name); err != nil {
		return "", err
	}
	ref := Ref(itemID, name, content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[ref] = content
	if s.latest[itemID] == nil {
		s.latest[itemID] = make(map[string]string)
	}
	s.latest[itemID][name] = ref
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.content[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, nil
}

func (s *MemoryStore) List(_ context.Context, itemID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.latest[itemID]))
	for k, v := range s.latest[itemID] {
		out[k] = v
	}
	return out, nil
}

