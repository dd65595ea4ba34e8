// Package ingest turns uploaded DOCX files into registrable payloads.
package ingest

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

const (
	documentPart = "word/document.xml"
	wordMLNS     = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

	// maxPartSize bounds the decompressed document part.
	maxPartSize = 64 << 20
)

// Metadata describes one uploaded file.
type Metadata struct {
	Filename       string `json:"filename"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	UploadedAt     string `json:"uploaded_at"`
}

// Checksum is the hex sha256 of blob.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Ingest records upload metadata for blob.
func Ingest(filename string, blob []byte, now time.Time) Metadata {
	return Metadata{
		Filename:       filename,
		ChecksumSHA256: Checksum(blob),
		UploadedAt:     domain.FormatTimestamp(now),
	}
}

// ExtractDocxText returns the text of every non-empty w:t run in the main
// document part, one run per line.
func ExtractDocxText(blob []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrMalformedDocument, err)
	}
	f, err := zr.Open(documentPart)
	if err != nil {
		return "", domain.Detail(domain.ErrMalformedDocument, "%s: %v", documentPart, err)
	}
	defer f.Close()

	dec := xml.NewDecoder(io.LimitReader(f, maxPartSize))
	dec.Strict = false

	var (
		runs   []string
		inText bool
		cur    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", domain.Detail(domain.ErrMalformedDocument, "parse %s: %v", documentPart, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if isTextRun(t.Name) {
				inText = true
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		case xml.EndElement:
			if inText && isTextRun(t.Name) {
				inText = false
				if cur.Len() > 0 {
					runs = append(runs, cur.String())
				}
			}
		}
	}
	return strings.Join(runs, "\n"), nil
}

func isTextRun(n xml.Name) bool {
	return n.Local == "t" && (n.Space == wordMLNS || n.Space == "w")
}

// Payload builds the registry payload for an ingested document.
func Payload(meta Metadata, text string) map[string]any {
	title := meta.Filename
	if i := strings.LastIndexByte(title, '.'); i > 0 {
		title = title[:i]
	}
	return map[string]any{
		"body": text,
		"metadata": map[string]any{
			"title":  title,
			"tags":   []any{"docx"},
			"source": fmt.Sprintf("sha256:%s", meta.ChecksumSHA256),
		},
	}
}
