package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/ingest"
	"github.com/notmainstreet/ivi-engine/internal/publish"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

var ingestDocumentID string

var publishCmd = &cobra.Command{
	Use:   "publish <document-id> <payload.json>",
	Short: "Register a document version and publish it",
	Long: `Registers the JSON object in payload.json as the next version of the
document and writes the content and search index outputs. Unchanged
content is reported and not republished. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.docx>",
	Short: "Extract a .docx file and publish its text",
	Long: `Stores the original file in the asset store, extracts its text and
publishes it as a document. The document id defaults to the file name
without its extension.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDocumentID, "document-id", "", "document id (default: file name without extension)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	documentID, src := args[0], args[1]

	var raw []byte
	var err error
	if src == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	if payload == nil {
		return fmt.Errorf("payload must be a JSON object")
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	res, err := newPipeline(cfg, db).Process(cmd.Context(), documentID, payload)
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	assets, err := ingest.NewAssetStore(cfg.AssetRoot)
	if err != nil {
		return err
	}
	digest, err := assets.Put(blob)
	if err != nil {
		return err
	}

	filename := filepath.Base(path)
	meta := ingest.Ingest(filename, blob, time.Now())
	text, err := ingest.ExtractDocxText(blob)
	if err != nil {
		return err
	}

	documentID := ingestDocumentID
	if documentID == "" {
		documentID = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	res, err := newPipeline(cfg, db).Process(cmd.Context(), documentID, ingest.Payload(meta, text))
	if err != nil {
		return err
	}
	logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.String("asset", digest),
		zap.Int("chars", len(text)))
	return printResult(cmd, res)
}

func printResult(cmd *cobra.Command, res publish.Result) error {
	out := cmd.OutOrStdout()
	if res.Unchanged {
		fmt.Fprintf(out, "%s v%d unchanged (%s)\n", res.Record.DocumentID, res.Record.Version, res.Record.ContentHash)
		return nil
	}
	fmt.Fprintf(out, "%s v%d registered (%s)\n", res.Record.DocumentID, res.Record.Version, res.Record.ContentHash)
	for _, o := range res.Outputs {
		fmt.Fprintf(out, "  %-8s %s\n", o.Publisher, o.Location)
	}
	return nil
}
