package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitecheck/internal/config"
	"sitecheck/internal/logger"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"
)

// EvidenceStore saves per-attempt screenshot evidence so a verdict can be
// audited after the fact. Uploads go to Supabase storage when configured,
// with a local data-dir fallback outside production.
type EvidenceStore struct {
	log *logger.Logger
	cfg config.Config

	supabaseClient *supabase.Client
}

func NewEvidenceStore(cfg config.Config) (*EvidenceStore, error) {
	e := &EvidenceStore{log: logger.New("EvidenceStore"), cfg: cfg}

	if cfg.AppEnv == "production" {
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" || cfg.SupabaseBucket == "" {
			return nil, fmt.Errorf("production evidence capture requires Supabase configuration: NEXT_PUBLIC_SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY, and SUPABASE_STORAGE_BUCKET must be set")
		}
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
		if err != nil {
			if cfg.AppEnv == "production" {
				return nil, fmt.Errorf("failed to initialize Supabase client in production: %w", err)
			}
			e.log.LogWarnf("failed to initialize Supabase client: %v", err)
		} else {
			e.supabaseClient = client
		}
	}
	return e, nil
}

// Save stores screenshot bytes for a business validation attempt and returns
// a URL suitable for the audit record.
func (e *EvidenceStore) Save(businessID string, data []byte) (string, error) {
	name := time.Now().Format("20060102_150405") + "_" + sanitize(businessID) + ".png"

	if e.supabaseClient != nil && e.cfg.SupabaseBucket != "" {
		bucketPath := filepath.ToSlash(filepath.Join("evidence", name))
		mimeType := "image/png"
		reader := bytes.NewReader(data)
		if _, err := e.supabaseClient.Storage.UploadFile(e.cfg.SupabaseBucket, bucketPath, reader, storage_go.FileOptions{ContentType: &mimeType}); err != nil {
			if e.cfg.AppEnv == "production" {
				return "", fmt.Errorf("evidence upload failed in production: %w", err)
			}
			e.log.LogWarnf("Supabase upload failed, falling back to local storage: %v", err)
			return e.saveLocal(name, data)
		}
		signed, err := e.createSignedURL(e.cfg.SupabaseBucket, bucketPath, 7*24*3600)
		if err != nil {
			if e.cfg.AppEnv == "production" {
				return "", fmt.Errorf("evidence signed URL failed in production: %w", err)
			}
			e.log.LogWarnf("Supabase signed URL creation failed: %v", err)
			return e.saveLocal(name, data)
		}
		return signed, nil
	}

	if e.cfg.AppEnv == "production" {
		return "", fmt.Errorf("supabase storage is required for evidence capture in production")
	}
	return e.saveLocal(name, data)
}

func (e *EvidenceStore) saveLocal(name string, data []byte) (string, error) {
	dir := filepath.Join(e.cfg.DataDir, "evidence")
	_ = os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "/files/evidence/" + name, nil
}

// createSignedURL performs a direct REST call to sign objects with fresh
// headers; the client library's signer mangles the storage path prefix.
func (e *EvidenceStore) createSignedURL(bucket, objectPath string, expiresIn int) (string, error) {
	if e.cfg.SupabaseURL == "" || e.cfg.SupabaseServiceKey == "" {
		return "", fmt.Errorf("supabase not configured")
	}

	signURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", strings.TrimRight(e.cfg.SupabaseURL, "/"), bucket, objectPath)
	body := map[string]int{"expiresIn": expiresIn}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return "", fmt.Errorf("failed to encode sign body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, signURL, buf)
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.SupabaseServiceKey)
	req.Header.Set("apikey", e.cfg.SupabaseServiceKey)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request signed URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to create signed URL: status %d", resp.StatusCode)
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode signed URL response: %w", err)
	}

	base := strings.TrimRight(e.cfg.SupabaseURL, "/")
	path := signed.SignedURL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasPrefix(path, "/storage/v1/") {
		path = "/storage/v1" + path
	}
	return base + path, nil
}

func sanitize(u string) string {
	replacer := strings.NewReplacer(":", "-", "/", "-", "?", "-", "&", "-", "=", "-", "#", "-", "%", "")
	out := replacer.Replace(u)
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
