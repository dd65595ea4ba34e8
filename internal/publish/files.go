package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// ContentPublisher writes the full record to <Root>/<document_id>.json,
// overwriting the previous version.
type ContentPublisher struct {
	Root string
}

func (ContentPublisher) Name() string { return "content" }

func (c ContentPublisher) Publish(ctx context.Context, rec domain.ContentRecord) (string, error) {
	if err := checkName(rec.DocumentID); err != nil {
		return "", err
	}
	doc := struct {
		DocumentID  string         `json:"document_id"`
		Version     int            `json:"version"`
		ContentHash string         `json:"content_hash"`
		Payload     map[string]any `json:"payload"`
	}{rec.DocumentID, rec.Version, rec.ContentHash, rec.Payload}
	return writeJSON(ctx, filepath.Join(c.Root, rec.DocumentID+".json"), doc)
}

// IndexPublisher writes a search entry per version to
// <Root>/<document_id>-<version>.json.
type IndexPublisher struct {
	Root string
}

func (IndexPublisher) Name() string { return "index" }

// SearchEntry is the searchable projection of payload.metadata.
type SearchEntry struct {
	Title string `json:"title"`
	Tags  []any  `json:"tags"`
}

func (ix IndexPublisher) Publish(ctx context.Context, rec domain.ContentRecord) (string, error) {
	if err := checkName(rec.DocumentID); err != nil {
		return "", err
	}
	doc := struct {
		DocumentID  string      `json:"document_id"`
		Version     int         `json:"version"`
		ContentHash string      `json:"content_hash"`
		Search      SearchEntry `json:"search"`
	}{rec.DocumentID, rec.Version, rec.ContentHash, searchEntry(rec.Payload)}
	name := fmt.Sprintf("%s-%d.json", rec.DocumentID, rec.Version)
	return writeJSON(ctx, filepath.Join(ix.Root, name), doc)
}

func searchEntry(payload map[string]any) SearchEntry {
	entry := SearchEntry{Tags: []any{}}
	meta, ok := payload["metadata"].(map[string]any)
	if !ok {
		return entry
	}
	if title, ok := meta["title"].(string); ok {
		entry.Title = title
	}
	if tags, ok := meta["tags"].([]any); ok {
		entry.Tags = tags
	}
	return entry
}

// checkName rejects document ids that would escape the publisher root.
func checkName(documentID string) error {
	if documentID == "." || documentID == ".." || strings.ContainsAny(documentID, `/\`) {
		return domain.Detail(domain.ErrValidation, "document_id %q is not a valid file name", documentID)
	}
	return nil
}

// writeJSON writes v through a temp file and rename so readers never see a
// partial document.
func writeJSON(ctx context.Context, path string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".publish-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename into %s: %w", path, err)
	}
	return path, nil
}
