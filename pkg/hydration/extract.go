package hydration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/gantrylabs/gantry/pkg/store"
)

// OCRClient recognizes text in documents that plain extraction cannot
// read. Wired only when the deployment runs an OCR service.
type OCRClient interface {
	Recognize(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Router picks a text extractor by MIME type, falling back to the file
// extension and finally to content sniffing. When an extractor yields no
// text and an OCR client is configured, the bytes get one OCR attempt.
type Router struct {
	ocr    OCRClient
	logger *slog.Logger
}

// RouterOption tweaks router construction.
type RouterOption func(*Router)

// WithOCR enables the OCR fallback.
func WithOCR(c OCRClient) RouterOption {
	return func(r *Router) { r.ocr = c }
}

// NewRouter builds the extractor router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger.With("component", "extract")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type extractFunc func(data []byte) (string, store.JSONMap, error)

// Extract turns raw bytes into text and structured metadata.
func (r *Router) Extract(ctx context.Context, data []byte, meta *FileMeta) (string, store.JSONMap, error) {
	name, fn := extractorFor(meta.MIME, meta.Name)
	text, structured, err := fn(data)
	if err != nil {
		return "", nil, fmt.Errorf("extract %s as %s: %w", meta.Name, name, err)
	}
	if structured == nil {
		structured = store.JSONMap{}
	}

	if strings.TrimSpace(text) == "" && r.ocr != nil {
		recognized, err := r.ocr.Recognize(ctx, data, meta.MIME)
		if err != nil {
			r.logger.Warn("ocr attempt failed",
				"name", meta.Name,
				"mime", meta.MIME,
				"error", err,
			)
		} else if strings.TrimSpace(recognized) != "" {
			text = recognized
			structured["ocr"] = true
		}
	}
	return text, structured, nil
}

func extractorFor(mimeType, fileName string) (string, extractFunc) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	ext := strings.ToLower(filepath.Ext(fileName))

	switch {
	case mt == "text/csv" || ext == ".csv":
		return "csv", extractCSV
	case mt == "application/json" || ext == ".json":
		return "json", extractJSON
	case mt == "application/x-yaml" || mt == "text/yaml" || ext == ".yaml" || ext == ".yml":
		return "yaml", extractYAML
	case mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" || ext == ".docx":
		return "docx", extractDocx
	case mt == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" || ext == ".xlsx":
		return "xlsx", extractXlsx
	case mt == "application/pdf" || ext == ".pdf":
		return "pdf", extractPDF
	case strings.HasPrefix(mt, "text/") || ext == ".txt" || ext == ".md" || ext == ".log":
		return "text", extractPlain
	default:
		return "sniff", extractSniff
	}
}

func extractPlain(data []byte) (string, store.JSONMap, error) {
	text := string(bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}))
	return text, store.JSONMap{"format": "text"}, nil
}

func extractCSV(data []byte) (string, store.JSONMap, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		lines   []string
		headers []interface{}
		rows    int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if rows == 0 {
			for _, h := range record {
				headers = append(headers, h)
			}
		}
		rows++
		lines = append(lines, strings.Join(record, ", "))
	}

	structured := store.JSONMap{"format": "csv", "rows": rows}
	if len(headers) > 0 {
		structured["headers"] = headers
	}
	return strings.Join(lines, "\n"), structured, nil
}

func extractJSON(data []byte) (string, store.JSONMap, error) {
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, err
	}
	structured := store.JSONMap{"format": "json"}
	if obj, ok := parsed.(map[string]interface{}); ok {
		structured["keys"] = sortedKeys(obj)
	}
	return string(data), structured, nil
}

func extractYAML(data []byte) (string, store.JSONMap, error) {
	structured := store.JSONMap{"format": "yaml"}
	var parsed map[string]interface{}
	if err := yaml.Unmarshal(data, &parsed); err == nil && len(parsed) > 0 {
		structured["keys"] = sortedKeys(parsed)
	}
	return string(data), structured, nil
}

// extractDocx reads word/document.xml out of the archive and collects
// character data, one line per paragraph element.
func extractDocx(data []byte) (string, store.JSONMap, error) {
	doc, err := zipEntry(data, "word/document.xml")
	if err != nil {
		return "", nil, err
	}

	var (
		text       strings.Builder
		paragraphs int
	)
	decoder := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if t.Name.Local == "p" {
				text.WriteByte('\n')
				paragraphs++
			}
		}
	}
	return strings.TrimSpace(text.String()), store.JSONMap{"format": "docx", "paragraphs": paragraphs}, nil
}

// extractXlsx reads the shared string table, which carries every textual
// cell value, one line per entry.
func extractXlsx(data []byte) (string, store.JSONMap, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("open xlsx: %w", err)
	}

	sheets := 0
	var shared []byte
	for _, f := range reader.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") {
			sheets++
		}
		if f.Name == "xl/sharedStrings.xml" {
			shared, err = readZipFile(f)
			if err != nil {
				return "", nil, err
			}
		}
	}

	var text strings.Builder
	if len(shared) > 0 {
		decoder := xml.NewDecoder(bytes.NewReader(shared))
		for {
			tok, err := decoder.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", nil, fmt.Errorf("parse sharedStrings.xml: %w", err)
			}
			switch t := tok.(type) {
			case xml.CharData:
				text.Write(t)
			case xml.EndElement:
				if t.Name.Local == "si" {
					text.WriteByte('\n')
				}
			}
		}
	}
	return strings.TrimSpace(text.String()), store.JSONMap{"format": "xlsx", "sheets": sheets}, nil
}

// extractPDF yields no text on its own; scanned and typeset PDFs both go
// through the OCR fallback when one is configured.
func extractPDF(data []byte) (string, store.JSONMap, error) {
	return "", store.JSONMap{"format": "pdf", "bytes": len(data)}, nil
}

func extractSniff(data []byte) (string, store.JSONMap, error) {
	if utf8.Valid(data) && !bytes.ContainsRune(data, 0) {
		return string(data), store.JSONMap{"format": "text"}, nil
	}
	return "", store.JSONMap{"format": "binary", "bytes": len(data)}, nil
}

func zipEntry(data []byte, name string) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range reader.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return nil, fmt.Errorf("archive has no %s", name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func sortedKeys(m map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
