package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Archiver stores a finished chapter's compiled prose.
type Archiver interface {
	ArchiveChapter(ctx context.Context, userID, chapterID string, prose []byte) error
}

// SupabaseArchive uploads chapter documents to a Supabase Storage bucket.
type SupabaseArchive struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	Client     *http.Client
}

// NewSupabaseArchive constructs an archive client for the given bucket.
func NewSupabaseArchive(baseURL, serviceKey, bucket string) *SupabaseArchive {
	return &SupabaseArchive{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		Bucket:     bucket,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ArchiveChapter uploads the compiled chapter as markdown, keyed by user and
// chapter so a re-archive after another session overwrites the previous copy.
func (s *SupabaseArchive) ArchiveChapter(ctx context.Context, userID, chapterID string, prose []byte) error {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return fmt.Errorf("missing storage configuration: STORAGE_URL and STORAGE_SERVICE_KEY required")
	}

	objectKey := fmt.Sprintf("%s/%s.md", userID, chapterID)
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.BaseURL, s.Bucket, objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(prose))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	req.Header.Set("Content-Type", "text/markdown")
	req.Header.Set("Cache-Control", "3600")
	req.Header.Set("x-upsert", "true")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload chapter: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}
