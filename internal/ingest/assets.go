package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// AssetStore is a write-once, content-addressed file store.
type AssetStore struct {
	Root string
}

// NewAssetStore creates root if needed.
func NewAssetStore(root string) (*AssetStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	return &AssetStore{Root: root}, nil
}

// Put stores content under its sha256 digest. Existing assets are never
// rewritten.
func (s *AssetStore) Put(content []byte) (string, error) {
	digest := Checksum(content)
	path := filepath.Join(s.Root, digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	tmp, err := os.CreateTemp(s.Root, ".asset-*")
	if err != nil {
		return "", fmt.Errorf("create temp asset: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write asset %s: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close asset %s: %w", digest, err)
	}
	// Link fails if a concurrent writer won; the bytes are identical either way.
	if err := os.Link(tmp.Name(), path); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("store asset %s: %w", digest, err)
	}
	return digest, nil
}

// Get reads an asset by digest.
func (s *AssetStore) Get(digest string) ([]byte, error) {
	if !digestPattern.MatchString(digest) {
		return nil, domain.Detail(domain.ErrValidation, "asset digest %q is not a sha256 hex string", digest)
	}
	b, err := os.ReadFile(filepath.Join(s.Root, digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Detail(domain.ErrDocumentNotFound, "asset %s", digest)
	}
	return b, err
}
