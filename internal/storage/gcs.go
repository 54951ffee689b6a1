package storage

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/models"
)

const (
	gcsAPIBase    = "https://storage.googleapis.com/storage/v1"
	gcsUploadBase = "https://storage.googleapis.com/upload/storage/v1"
	gcsSignedHost = "https://storage.googleapis.com"
	gcsScope      = "https://www.googleapis.com/auth/devstorage.read_write"
)

// serviceAccount is the subset of a GCS service-account JSON file we need.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
	ProjectID   string `json:"project_id"`
}

// GCSStore talks to Google Cloud Storage over its JSON API. Authentication
// is a service-account JWT assertion exchanged for a bearer token, cached
// until shortly before expiry.
type GCSStore struct {
	bucket     string
	account    serviceAccount
	signingKey *rsa.PrivateKey
	urlTTL     time.Duration
	httpClient *http.Client

	apiBase    string
	uploadBase string
	signedHost string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewGCSStore loads the service-account file and returns a store for bucket.
func NewGCSStore(bucket, credentialsPath string, urlTTL time.Duration) (*GCSStore, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS credentials: %w", err)
	}

	var account serviceAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to parse GCS credentials: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return nil, fmt.Errorf("GCS credentials missing client_email or private_key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse GCS private key: %w", err)
	}

	return &GCSStore{
		bucket:     bucket,
		account:    account,
		signingKey: key,
		urlTTL:     urlTTL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		apiBase:    gcsAPIBase,
		uploadBase: gcsUploadBase,
		signedHost: gcsSignedHost,
	}, nil
}

// token returns a valid bearer token, minting a new one when the cached
// token is within a minute of expiring.
func (s *GCSStore) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Until(s.tokenExpiry) > time.Minute {
		return s.accessToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.account.ClientEmail,
		"scope": gcsScope,
		"aud":   s.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token exchange failed (status %d): %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	s.accessToken = tokenResp.AccessToken
	s.tokenExpiry = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return s.accessToken, nil
}

// gcsObject is one entry in an object listing. The JSON API reports size as
// a decimal string.
type gcsObject struct {
	Name    string `json:"name"`
	Size    string `json:"size"`
	Updated string `json:"updated"`
}

func (o gcsObject) sizeBytes() int64 {
	n, _ := strconv.ParseInt(o.Size, 10, 64)
	return n
}

// listObjects pages through every object under prefix.
func (s *GCSStore) listObjects(ctx context.Context, prefix string) ([]gcsObject, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	var objects []gcsObject
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("%s/b/%s/o?prefix=%s", s.apiBase, s.bucket, url.QueryEscape(prefix))
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("list failed (status %d): %s", resp.StatusCode, string(body))
		}

		var listResp struct {
			Items         []gcsObject `json:"items"`
			NextPageToken string      `json:"nextPageToken"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		resp.Body.Close()

		objects = append(objects, listResp.Items...)
		if listResp.NextPageToken == "" {
			return objects, nil
		}
		pageToken = listResp.NextPageToken
	}
}

// ListDatasets groups everything under datasets/ by dataset name.
func (s *GCSStore) ListDatasets(ctx context.Context) ([]models.DatasetInfo, error) {
	objects, err := s.listObjects(ctx, DatasetPrefix)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, err
	}

	byName := make(map[string]*models.DatasetInfo)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Name, DatasetPrefix)
		name, _, found := strings.Cut(rest, "/")
		if !found || name == "" {
			continue
		}
		info, ok := byName[name]
		if !ok {
			info = &models.DatasetInfo{Name: name, Path: DatasetPath(name)}
			byName[name] = info
		}
		info.FileCount++
		info.TotalBytes += obj.sizeBytes()
	}

	datasets := make([]models.DatasetInfo, 0, len(byName))
	for _, info := range byName {
		datasets = append(datasets, *info)
	}
	sort.Slice(datasets, func(i, j int) bool { return datasets[i].Name < datasets[j].Name })
	return datasets, nil
}

// DatasetFiles lists the objects inside one dataset.
func (s *GCSStore) DatasetFiles(ctx context.Context, name string) ([]models.DatasetFile, error) {
	objects, err := s.listObjects(ctx, DatasetPath(name))
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, err
	}

	files := make([]models.DatasetFile, 0, len(objects))
	for _, obj := range objects {
		files = append(files, models.DatasetFile{
			Name:      obj.Name[strings.LastIndex(obj.Name, "/")+1:],
			Path:      obj.Name,
			SizeBytes: obj.sizeBytes(),
			UpdatedAt: objectTime(obj.Updated),
		})
	}
	return files, nil
}

// ListArtifacts returns the .safetensors files under loras/.
func (s *GCSStore) ListArtifacts(ctx context.Context) ([]models.LoraArtifact, error) {
	objects, err := s.listObjects(ctx, ArtifactPrefix)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, err
	}

	artifacts := make([]models.LoraArtifact, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Name, ".safetensors") {
			continue
		}
		artifacts = append(artifacts, models.LoraArtifact{
			Name:      obj.Name[strings.LastIndex(obj.Name, "/")+1:],
			Path:      obj.Name,
			SizeBytes: obj.sizeBytes(),
			UpdatedAt: objectTime(obj.Updated),
		})
	}
	return artifacts, nil
}

// Upload writes one object with a media upload.
func (s *GCSStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	token, err := s.token(ctx)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return err
	}

	endpoint := fmt.Sprintf("%s/b/%s/o?uploadType=media&name=%s", s.uploadBase, s.bucket, url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("upload failed (status %d): %s", resp.StatusCode, string(body))
	}

	io.Copy(io.Discard, resp.Body)
	metrics.GetMetrics().RecordStorageUpload()
	return nil
}

// Download reads one object in full.
func (s *GCSStore) Download(ctx context.Context, path string) ([]byte, error) {
	token, err := s.token(ctx)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/b/%s/o/%s?alt=media", s.apiBase, s.bucket, url.PathEscape(path))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		metrics.GetMetrics().RecordStorageError()
		return nil, fmt.Errorf("download failed (status %d): %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	metrics.GetMetrics().RecordStorageDownload()
	return data, nil
}

// Delete removes one object.
func (s *GCSStore) Delete(ctx context.Context, path string) error {
	token, err := s.token(ctx)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return err
	}

	endpoint := fmt.Sprintf("%s/b/%s/o/%s", s.apiBase, s.bucket, url.PathEscape(path))
	req, err := http.NewRequestWithContext(ctx, "DELETE", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		metrics.GetMetrics().RecordStorageError()
		return fmt.Errorf("delete failed (status %d)", resp.StatusCode)
	}
	return nil
}

// DeletePrefix removes every object under prefix, one delete per object.
func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.listObjects(ctx, prefix)
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return err
	}
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Name); err != nil {
			return err
		}
	}
	return nil
}

// SignedURL builds a V2 signed URL. PUT URLs are bound to
// application/octet-stream, which uploaders must send.
func (s *GCSStore) SignedURL(_ context.Context, path, method string) (string, error) {
	if method != "GET" && method != "PUT" {
		return "", fmt.Errorf("unsupported signed URL method: %s", method)
	}

	contentType := ""
	if method == "PUT" {
		contentType = "application/octet-stream"
	}

	expires := time.Now().Add(s.urlTTL).Unix()
	resource := fmt.Sprintf("/%s/%s", s.bucket, path)
	toSign := fmt.Sprintf("%s\n\n%s\n%d\n%s", method, contentType, expires, resource)

	digest := sha256.Sum256([]byte(toSign))
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.signingKey, crypto.SHA256, digest[:])
	if err != nil {
		metrics.GetMetrics().RecordStorageError()
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}

	query := url.Values{
		"GoogleAccessId": {s.account.ClientEmail},
		"Expires":        {strconv.FormatInt(expires, 10)},
		"Signature":      {base64.StdEncoding.EncodeToString(signature)},
	}
	metrics.GetMetrics().RecordSignedURL()
	return fmt.Sprintf("%s%s?%s", s.signedHost, resource, query.Encode()), nil
}
