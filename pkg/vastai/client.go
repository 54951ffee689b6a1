package vastai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loracloud/lorad/internal/models"
)

const DefaultBaseURL = "https://console.vast.ai/api/v0"

// ErrInstanceNotFound is returned when an instance id is absent from the
// account's instance list.
var ErrInstanceNotFound = errors.New("instance not found")

// Client wraps the Vast.ai marketplace API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a marketplace client. An empty baseURL selects the
// public API endpoint.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RentRequest describes the container to start on a rented offer.
type RentRequest struct {
	Image   string
	DiskGB  int
	OnStart string
}

type searchResponse struct {
	Offers []models.Offer `json:"offers"`
}

type instancesResponse struct {
	Instances []models.Instance `json:"instances"`
}

// SearchOffers queries the marketplace for offers. The filter is passed as a
// server-side query hint; the response may still be a superset, so callers
// apply their own predicates.
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	endpoint := fmt.Sprintf("%s/bundles", c.baseURL)
	if q := buildQuery(filter); q != "" {
		endpoint += "?q=" + url.QueryEscape(q)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return searchResp.Offers, nil
}

// RentInstance rents the given offer and returns the new instance id.
func (c *Client) RentInstance(ctx context.Context, offerID int64, rent RentRequest) (int64, error) {
	endpoint := fmt.Sprintf("%s/asks/%d/", c.baseURL, offerID)

	payload := map[string]interface{}{
		"client_id": "me",
		"image":     rent.Image,
		"disk":      rent.DiskGB,
		"onstart":   rent.OnStart,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewBuffer(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success     bool  `json:"success"`
		NewContract int64 `json:"new_contract"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Success || result.NewContract == 0 {
		return 0, fmt.Errorf("rental was not accepted for offer %d", offerID)
	}

	return result.NewContract, nil
}

// ListInstances returns every instance owned by the account.
func (c *Client) ListInstances(ctx context.Context) ([]models.Instance, error) {
	endpoint := fmt.Sprintf("%s/instances?owner=me", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var listResp instancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return listResp.Instances, nil
}

// GetInstance finds one instance by id. Returns ErrInstanceNotFound when the
// account has no such instance.
func (c *Client) GetInstance(ctx context.Context, instanceID int64) (*models.Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	for i := range instances {
		if instances[i].ID == instanceID {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrInstanceNotFound, instanceID)
}

// DestroyInstance terminates an instance. The boolean reports whether the
// provider confirmed the termination; non-200 statuses (including not found)
// are a false result, not an error.
func (c *Client) DestroyInstance(ctx context.Context, instanceID int64) (bool, error) {
	endpoint := fmt.Sprintf("%s/instances/%d/", c.baseURL, instanceID)

	req, err := http.NewRequestWithContext(ctx, "DELETE", endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
}

// buildQuery renders the filter in the marketplace's space-separated query
// syntax, e.g. "gpu_name=RTX 4090 gpu_ram>=24000 dph<=1.0".
func buildQuery(filter models.OfferFilter) string {
	var parts []string
	if filter.GPUName != "" {
		parts = append(parts, fmt.Sprintf("gpu_name=%s", filter.GPUName))
	}
	if filter.MinGPUMemMB > 0 {
		parts = append(parts, fmt.Sprintf("gpu_ram>=%d", filter.MinGPUMemMB))
	}
	if filter.MaxPrice > 0 {
		parts = append(parts, fmt.Sprintf("dph<=%g", filter.MaxPrice))
	}
	if filter.RentableOnly {
		parts = append(parts, "rentable=true")
	}
	return strings.Join(parts, " ")
}
