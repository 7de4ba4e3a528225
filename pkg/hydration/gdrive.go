package hydration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Source types backed by the Google Drive v3 API. The private variant
// authenticates with an OAuth access token, the public one with an API
// key against a link-shared folder.
const (
	TypeGoogleDrive       = "google_drive"
	TypeGoogleDrivePublic = "google_drive_public"
)

const driveSchema = `{
	"type": "object",
	"properties": {
		"folder_id": {"type": "string", "minLength": 1},
		"endpoint": {"type": "string"},
		"page_size": {"type": "integer", "minimum": 1, "maximum": 1000}
	},
	"required": ["folder_id"],
	"additionalProperties": false
}`

const (
	driveDefaultEndpoint = "https://www.googleapis.com/drive/v3"
	driveDefaultPageSize = 200
	driveTimeout         = 2 * time.Minute
)

// driveFile is the subset of the Drive file resource the pipeline needs.
// Drive serializes int64 sizes as strings.
type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
	Size         string `json:"size,omitempty"`
	MD5Checksum  string `json:"md5Checksum,omitempty"`
	Trashed      bool   `json:"trashed"`
}

type driveListResponse struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// drive lists and downloads one folder. The cursor is the newest
// modifiedTime seen; incremental passes query for files modified after
// it. Trashed files surface as removals so documents get cleaned up.
type drive struct {
	typeName string
	base     string
	folder   string
	pageSize int
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	auth     func(*http.Request)
}

func newGoogleDrive(config map[string]interface{}, secrets map[string]string) (Connector, error) {
	token := secrets["access_token"]
	if token == "" {
		return nil, fmt.Errorf("%w: google_drive requires an access_token secret", api.ErrInvalidInput)
	}
	return newDrive(TypeGoogleDrive, config, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}), nil
}

func newGoogleDrivePublic(config map[string]interface{}, secrets map[string]string) (Connector, error) {
	key := secrets["api_key"]
	if key == "" {
		return nil, fmt.Errorf("%w: google_drive_public requires an api_key secret", api.ErrInvalidInput)
	}
	return newDrive(TypeGoogleDrivePublic, config, func(req *http.Request) {
		q := req.URL.Query()
		q.Set("key", key)
		req.URL.RawQuery = q.Encode()
	}), nil
}

func newDrive(typeName string, config map[string]interface{}, auth func(*http.Request)) *drive {
	base := driveDefaultEndpoint
	if s, ok := config["endpoint"].(string); ok && s != "" {
		base = s
	}
	pageSize := driveDefaultPageSize
	if n, ok := config["page_size"].(float64); ok && n > 0 {
		pageSize = int(n)
	}
	folder, _ := config["folder_id"].(string)
	return &drive{
		typeName: typeName,
		base:     strings.TrimRight(base, "/"),
		folder:   folder,
		pageSize: pageSize,
		client:   &http.Client{Timeout: driveTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        typeName,
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		auth: auth,
	}
}

func (c *drive) Type() string { return c.typeName }

func (c *drive) ListChanges(ctx context.Context, cursor *string) ([]Item, *string, error) {
	query := fmt.Sprintf("'%s' in parents", c.folder)
	if cursor != nil && *cursor != "" {
		query += fmt.Sprintf(" and modifiedTime > '%s'", *cursor)
	}

	var (
		items   []Item
		newest  string
		pageTok string
	)
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("fields", "nextPageToken,files(id,name,mimeType,modifiedTime,size,md5Checksum,trashed)")
		params.Set("pageSize", strconv.Itoa(c.pageSize))
		params.Set("orderBy", "modifiedTime")
		if pageTok != "" {
			params.Set("pageToken", pageTok)
		}

		var page driveListResponse
		if err := c.getJSON(ctx, "/files?"+params.Encode(), &page); err != nil {
			return nil, nil, fmt.Errorf("list folder %s: %w", c.folder, err)
		}
		for _, f := range page.Files {
			items = append(items, Item{ID: f.ID, Payload: f})
			if f.ModifiedTime > newest {
				newest = f.ModifiedTime
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageTok = page.NextPageToken
	}

	next := cursor
	if newest != "" {
		next = &newest
	}
	return items, next, nil
}

func (c *drive) Metadata(ctx context.Context, item Item) (*FileMeta, error) {
	f, ok := item.Payload.(driveFile)
	if !ok {
		params := url.Values{}
		params.Set("fields", "id,name,mimeType,modifiedTime,size,md5Checksum,trashed")
		if err := c.getJSON(ctx, "/files/"+url.PathEscape(item.ID)+"?"+params.Encode(), &f); err != nil {
			return nil, fmt.Errorf("file %s: %w", item.ID, err)
		}
	}

	meta := &FileMeta{
		SourceDocumentID: f.ID,
		Name:             f.Name,
		MIME:             f.MimeType,
		Path:             f.Name,
		Removed:          f.Trashed,
	}
	if f.MD5Checksum != "" {
		meta.Checksum = "md5:" + f.MD5Checksum
	}
	if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		ts = ts.UTC()
		meta.ModifiedTime = &ts
	}
	if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
		meta.Size = &n
	}
	return meta, nil
}

// Download fetches raw bytes. Google-native documents have no raw form
// and are exported as plain text instead.
func (c *drive) Download(ctx context.Context, item Item) ([]byte, error) {
	path := "/files/" + url.PathEscape(item.ID) + "?alt=media"
	if f, ok := item.Payload.(driveFile); ok && strings.HasPrefix(f.MimeType, "application/vnd.google-apps") {
		path = "/files/" + url.PathEscape(item.ID) + "/export?mimeType=" + url.QueryEscape("text/plain")
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, path)
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", item.ID, err)
	}
	return out.([]byte), nil
}

func (c *drive) getJSON(ctx context.Context, path string, into interface{}) error {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, path)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out.([]byte), into); err != nil {
		return fmt.Errorf("decode drive response: %w", err)
	}
	return nil
}

func (c *drive) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("drive API status %d: %s", resp.StatusCode, snippet)
	}
	return io.ReadAll(resp.Body)
}
