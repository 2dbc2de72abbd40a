package orthanc

// ============================================================================
// HTTP client for the Orthanc REST API
// Responsibilities:
// 1. Authentication (basic auth or api-key header) and per-request timeout
// 2. Optional client-side rate limiting
// 3. Mapping 404 to a NotFound error and other failures to *HTTPError
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Config describes how to reach one Orthanc server
type Config struct {
	URL      string        `yaml:"url" env:"URL"`
	User     string        `yaml:"user" env:"USER"`
	Password string        `yaml:"password" env:"PASSWORD"`
	APIKey   string        `yaml:"api-key" env:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT" env-default:"60s"`

	// RateLimit is requests per second; 0 disables the limiter
	RateLimit float64 `yaml:"rate-limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate-burst" env:"RATE_BURST" env-default:"1"`
}

// Client is an Orthanc REST client. It is safe for concurrent use.
type Client struct {
	baseURL string
	config  Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ API = (*Client)(nil)

// NewClient creates a client for cfg.URL
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// URL returns the server root URL
func (c *Client) URL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Annotatef(err, "build %s %s", method, path)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.config.APIKey != "":
		req.Header.Set("api-key", c.config.APIKey)
	case c.config.User != "":
		req.SetBasicAuth(c.config.User, c.config.Password)
	}
	return req, nil
}

// do sends one request and returns the raw body of a 2xx answer
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Annotatef(err, "rate limiter %s %s", method, path)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, reader, contentType)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "read %s %s", method, path)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(payload),
		}
	}
	return payload, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	payload, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Annotatef(err, "decode GET %s", path)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Annotatef(err, "encode POST %s", path)
	}
	payload, err := c.do(ctx, http.MethodPost, path, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Annotatef(err, "decode POST %s", path)
	}
	return nil
}

type changesResponse struct {
	Changes []types.Change `json:"Changes"`
	Done    bool           `json:"Done"`
	Last    uint64         `json:"Last"`
}

func (c *Client) GetChanges(ctx context.Context, since uint64, limit int) ([]types.Change, uint64, bool, error) {
	path := fmt.Sprintf("/changes?since=%d&limit=%d", since, limit)

	var resp changesResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, since, false, err
	}
	return resp.Changes, resp.Last, resp.Done, nil
}

// IsAlive reports whether /system answers
func (c *Client) IsAlive(ctx context.Context) bool {
	_, err := c.GetSystem(ctx)
	return err == nil
}

func (c *Client) GetSystem(ctx context.Context) (System, error) {
	var sys System
	err := c.getJSON(ctx, "/system", &sys)
	return sys, err
}

func (c *Client) GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID)+"/file", nil, "")
}

// Upload stores a DICOM file and returns the instance id
func (c *Client) Upload(ctx context.Context, dicom []byte) (string, error) {
	payload, err := c.do(ctx, http.MethodPost, "/instances", dicom, "application/dicom")
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", errors.Annotate(err, "decode POST /instances")
	}
	return resp.ID, nil
}

func (c *Client) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID), nil, "")
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	return c.DeleteResource(ctx, types.ResourceInstance, instanceID)
}

func (c *Client) DeleteResource(ctx context.Context, level types.ResourceType, id string) error {
	route, err := levelRoute(level)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, "/"+route+"/"+url.PathEscape(id), nil, "")
	return err
}

type storeRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
}

func (c *Client) SendToPeer(ctx context.Context, peer string, resourceIDs []string) error {
	return c.postJSON(ctx, "/peers/"+url.PathEscape(peer)+"/store",
		storeRequest{Resources: resourceIDs, Synchronous: true}, nil)
}

func (c *Client) SendToModality(ctx context.Context, modality string, resourceIDs []string) error {
	return c.postJSON(ctx, "/modalities/"+url.PathEscape(modality)+"/store",
		storeRequest{Resources: resourceIDs, Synchronous: true}, nil)
}

func (c *Client) SendToDicomWeb(ctx context.Context, server string, resourceIDs []string) error {
	return c.postJSON(ctx, "/dicom-web/servers/"+url.PathEscape(server)+"/stow",
		storeRequest{Resources: resourceIDs, Synchronous: true}, nil)
}

type transferResource struct {
	Level string `json:"Level"`
	ID    string `json:"ID"`
}

type transferRequest struct {
	Resources   []transferResource `json:"Resources"`
	Compression string             `json:"Compression"`
	Peer        string             `json:"Peer"`
	Synchronous bool               `json:"Synchronous"`
}

// Transfer pushes resources to a peer through the transfers accelerator plugin
func (c *Client) Transfer(ctx context.Context, peer string, level types.ResourceType, resourceIDs []string) error {
	req := transferRequest{
		Compression: "gzip",
		Peer:        peer,
		Synchronous: true,
	}
	for _, id := range resourceIDs {
		req.Resources = append(req.Resources, transferResource{Level: string(level), ID: id})
	}
	return c.postJSON(ctx, "/transfers/send", req, nil)
}

func (c *Client) ListIDs(ctx context.Context, level types.ResourceType) ([]string, error) {
	route, err := levelRoute(level)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := c.getJSON(ctx, "/"+route, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

type seriesResource struct {
	ID        string   `json:"ID"`
	Instances []string `json:"Instances"`
}

type instanceResource struct {
	ID           string `json:"ID"`
	ParentSeries string `json:"ParentSeries"`
}

// GetInstancesSet expands a study, series or instance into its instances
func (c *Client) GetInstancesSet(ctx context.Context, level types.ResourceType, id string) (*InstancesSet, error) {
	set := NewInstancesSet(level, id)

	switch level {
	case types.ResourceStudy:
		var series []seriesResource
		if err := c.getJSON(ctx, "/studies/"+url.PathEscape(id)+"/series", &series); err != nil {
			return nil, err
		}
		for _, s := range series {
			set.AddSeries(s.ID, s.Instances)
		}
	case types.ResourceSeries:
		var s seriesResource
		if err := c.getJSON(ctx, "/series/"+url.PathEscape(id), &s); err != nil {
			return nil, err
		}
		set.AddSeries(s.ID, s.Instances)
	case types.ResourceInstance:
		var inst instanceResource
		if err := c.getJSON(ctx, "/instances/"+url.PathEscape(id), &inst); err != nil {
			return nil, err
		}
		set.AddSeries(inst.ParentSeries, []string{inst.ID})
	default:
		return nil, errors.NotSupportedf("instances set at level %q", level)
	}
	return set, nil
}

// SeriesUncompressedSize returns the uncompressed size in bytes of a series
func (c *Client) SeriesUncompressedSize(ctx context.Context, seriesID string) (int64, error) {
	// Orthanc reports sizes as decimal strings
	var stats struct {
		UncompressedSize string `json:"UncompressedSize"`
	}
	if err := c.getJSON(ctx, "/series/"+url.PathEscape(seriesID)+"/statistics", &stats); err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(stats.UncompressedSize, 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "series %s statistics", seriesID)
	}
	return size, nil
}

func levelRoute(level types.ResourceType) (string, error) {
	switch level {
	case types.ResourcePatient:
		return "patients", nil
	case types.ResourceStudy:
		return "studies", nil
	case types.ResourceSeries:
		return "series", nil
	case types.ResourceInstance:
		return "instances", nil
	}
	return "", errors.NotValidf("resource level %q", level)
}
