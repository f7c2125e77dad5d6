// Package portal is the typed client for the Factorio mod portal's
// catalog and upload API, routed through httpstack instead of a bare
// *http.Client so GETs are cached and retried uniformly.
package portal

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sawtoothlabs/modctl/internal/cache"
	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/httpstack"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// DefaultBaseURL is the portal's real API root.
const DefaultBaseURL = "https://mods.factorio.com/api/mods"

// ServiceCredential authorizes downloads: a username + token pair sent
// as query parameters, the portal's own download auth scheme.
type ServiceCredential struct {
	Username string
	Token    string
}

// APICredential authorizes uploads and metadata edits: a bearer key.
type APICredential struct {
	Key string
}

// Release is one published version of a mod.
type Release struct {
	Version         semver.Version
	DownloadURL     string
	SHA1            string
	FactorioVersion string
	Dependencies    []depexpr.DependencySpec
}

// Summary is the list/get projection of a mod.
type Summary struct {
	Name          string
	Title         string
	Owner         string
	Summary       string
	LatestRelease Release
}

// Full is the get_full projection: every release plus full metadata.
type Full struct {
	Summary
	Description string
	Releases    []Release
}

// ListResult is one page of list results.
type ListResult struct {
	Results    []Summary
	PageCount  int
	PageNumber int
}

// Client is the typed portal client.
type Client struct {
	catalog      httpstack.Client
	download     httpstack.Client
	bus          *httpstack.EventBus
	baseURL      string
	catalogCache cache.Backend
}

// Option customizes a Client.
type Option func(*Client)

// WithCatalogCache hands the Client the backend its catalog client
// caches through, so mutating operations can invalidate the cached
// catalog entries of the mod they changed. Requires a non-nil bus.
func WithCatalogCache(backend cache.Backend) Option {
	return func(c *Client) { c.catalogCache = backend }
}

// New builds a Client. catalog should be a cache+retry-decorated client
// (GETs benefit from caching); download should be retry-only, no cache,
// since downloaded binaries are cached separately by the caller through
// a cache.Backend.
func New(catalog, download httpstack.Client, bus *httpstack.EventBus, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{catalog: catalog, download: download, bus: bus, baseURL: baseURL}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus != nil && c.catalogCache != nil {
		c.bus.Subscribe("mod.changed", func(e httpstack.Event) {
			if p, ok := e.Payload.(httpstack.ModChangedPayload); ok {
				c.invalidate(p.Name)
			}
		})
	}
	return c
}

func (c *Client) publishChanged(name string) {
	if c.bus != nil {
		c.bus.Publish("mod.changed", httpstack.ModChangedPayload{Name: name})
	}
}

// invalidate drops the two catalog cache entries for name, so the next
// Get/GetFull refetches instead of serving stale metadata until the
// cache TTL expires.
func (c *Client) invalidate(name string) {
	ctx := context.Background()
	c.catalogCache.Delete(ctx, fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(name)))
	c.catalogCache.Delete(ctx, fmt.Sprintf("%s/%s/full", c.baseURL, url.PathEscape(name)))
}

type wireRelease struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA1        string `json:"sha1"`
	InfoJSON    struct {
		FactorioVersion string   `json:"factorio_version"`
		Dependencies    []string `json:"dependencies"`
	} `json:"info_json"`
}

func fromWireRelease(w wireRelease) (Release, error) {
	v, err := semver.Parse(w.Version)
	if err != nil {
		return Release{}, err
	}
	r := Release{
		Version:         v,
		DownloadURL:     w.DownloadURL,
		SHA1:            w.SHA1,
		FactorioVersion: w.InfoJSON.FactorioVersion,
	}
	for _, d := range w.InfoJSON.Dependencies {
		spec, err := depexpr.Parse(d)
		if err != nil {
			continue
		}
		r.Dependencies = append(r.Dependencies, spec)
	}
	return r, nil
}

type wireSummary struct {
	Name     string        `json:"name"`
	Title    string        `json:"title"`
	Owner    string        `json:"owner"`
	Summary  string        `json:"summary"`
	Releases []wireRelease `json:"releases"`
}

func (w wireSummary) toSummary() (Summary, error) {
	s := Summary{Name: w.Name, Title: w.Title, Owner: w.Owner, Summary: w.Summary}
	if len(w.Releases) > 0 {
		r, err := fromWireRelease(w.Releases[len(w.Releases)-1])
		if err != nil {
			return Summary{}, err
		}
		s.LatestRelease = r
	}
	return s, nil
}

// List queries the catalog with the given filter query parameters
// (e.g. "q", "category", "page").
func (c *Client) List(ctx context.Context, filters map[string]string) (ListResult, error) {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	uri := c.baseURL
	if len(q) > 0 {
		uri += "?" + q.Encode()
	}
	resp, err := c.catalog.Get(ctx, uri, nil, nil)
	if err != nil {
		return ListResult{}, err
	}
	var wire struct {
		Pagination struct {
			PageCount int `json:"page_count"`
			Page      int `json:"page"`
		} `json:"pagination"`
		Results []wireSummary `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return ListResult{}, fmt.Errorf("parsing mod list response: %w", err)
	}
	out := ListResult{PageCount: wire.Pagination.PageCount, PageNumber: wire.Pagination.Page}
	for _, w := range wire.Results {
		s, err := w.toSummary()
		if err != nil {
			continue
		}
		out.Results = append(out.Results, s)
	}
	return out, nil
}

// Get fetches a single mod's summary.
func (c *Client) Get(ctx context.Context, name string) (Summary, error) {
	uri := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(name))
	resp, err := c.catalog.Get(ctx, uri, nil, nil)
	if err != nil {
		return Summary{}, err
	}
	var wire wireSummary
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return Summary{}, fmt.Errorf("parsing mod %q: %w", name, err)
	}
	return wire.toSummary()
}

// GetFull fetches a mod's full metadata, including every release.
func (c *Client) GetFull(ctx context.Context, name string) (Full, error) {
	uri := fmt.Sprintf("%s/%s/full", c.baseURL, url.PathEscape(name))
	resp, err := c.catalog.Get(ctx, uri, nil, nil)
	if err != nil {
		return Full{}, err
	}
	var wire struct {
		wireSummary
		Description string `json:"description"`
	}
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return Full{}, fmt.Errorf("parsing mod %q full metadata: %w", name, err)
	}
	summary, err := wire.wireSummary.toSummary()
	if err != nil {
		return Full{}, err
	}
	full := Full{Summary: summary, Description: wire.Description}
	for _, w := range wire.Releases {
		r, err := fromWireRelease(w)
		if err != nil {
			continue
		}
		full.Releases = append(full.Releases, r)
	}
	return full, nil
}

// Download streams downloadURL to outputPath, authenticated by cred,
// and verifies the downloaded bytes' SHA-1 against expectedSHA1.
// Mismatch signals DIGEST_MISMATCH.
func (c *Client) Download(ctx context.Context, downloadURL, outputPath string, cred ServiceCredential, expectedSHA1 string) error {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return ctlerr.Wrap(ctlerr.URLError, err, "invalid download URL %q", downloadURL)
	}
	q := u.Query()
	q.Set("username", cred.Username)
	q.Set("token", cred.Token)
	u.RawQuery = q.Encode()

	// Stream to a sibling temp file and rename only after the digest
	// checks out, so outputPath never holds partial or corrupt bytes.
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", outputPath, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha1.New()
	mw := io.MultiWriter(tmp, h)

	if _, err := c.download.Get(ctx, u.String(), nil, mw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if expectedSHA1 != "" && got != expectedSHA1 {
		return ctlerr.New(ctlerr.DigestMismatch, "expected sha1 %s, got %s", expectedSHA1, got)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return fmt.Errorf("committing %s: %w", outputPath, err)
	}
	return nil
}

// UploadMetadata describes an upload/publish operation's inline
// metadata (used for a brand-new mod's init-publish step, or as an
// edit_details follow-up after an update's init-upload step).
type UploadMetadata struct {
	Title       string
	Summary     string
	Description string
}

// Publish uploads a new or updated mod archive. It checks whether name
// already exists on the portal to choose between init-publish (new mod,
// metadata carried inline) and init-upload (existing mod, metadata
// applied afterward via EditDetails), then completes the upload with a
// multipart POST.
func (c *Client) Publish(ctx context.Context, name string, archive io.Reader, meta UploadMetadata, cred APICredential) error {
	_, err := c.Get(ctx, name)
	exists := err == nil
	if err != nil && !ctlerr.Is(err, ctlerr.HTTPNotFound) {
		return err
	}

	initPath := "publish"
	if exists {
		initPath = "upload"
	}
	initURL := fmt.Sprintf("%s/%s/%s/init", c.baseURL, url.PathEscape(name), initPath)
	headers := map[string]string{"Authorization": "Bearer " + cred.Key}

	var initBody io.Reader
	if !exists {
		payload, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding publish metadata: %w", err)
		}
		initBody = bytes.NewReader(payload)
	}
	initResp, err := c.catalog.Post(ctx, initURL, headers, initBody, "application/json")
	if err != nil {
		return err
	}
	var init struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(initResp.Body, &init); err != nil {
		return fmt.Errorf("parsing init-upload response: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name+".zip")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, err := c.download.Post(ctx, init.UploadURL, headers, &buf, w.FormDataContentType()); err != nil {
		return err
	}

	if exists {
		if err := c.EditDetails(ctx, name, meta, cred); err != nil {
			return err
		}
	}
	c.publishChanged(name)
	return nil
}

// EditDetails updates a mod's metadata fields.
func (c *Client) EditDetails(ctx context.Context, name string, meta UploadMetadata, cred APICredential) error {
	uri := fmt.Sprintf("%s/%s/edit_details", c.baseURL, url.PathEscape(name))
	headers := map[string]string{"Authorization": "Bearer " + cred.Key}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding edit_details metadata: %w", err)
	}
	if _, err := c.catalog.Post(ctx, uri, headers, bytes.NewReader(payload), "application/json"); err != nil {
		return err
	}
	c.publishChanged(name)
	return nil
}

// AddImage uploads an additional catalog image for name.
func (c *Client) AddImage(ctx context.Context, name string, image io.Reader, cred APICredential) error {
	uri := fmt.Sprintf("%s/%s/images/add", c.baseURL, url.PathEscape(name))
	headers := map[string]string{"Authorization": "Bearer " + cred.Key}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "image.png")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, image); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, err := c.catalog.Post(ctx, uri, headers, &buf, w.FormDataContentType()); err != nil {
		return err
	}
	c.publishChanged(name)
	return nil
}

// EditImageOrder reorders name's catalog images by image id.
func (c *Client) EditImageOrder(ctx context.Context, name string, imageIDs []string, cred APICredential) error {
	uri := fmt.Sprintf("%s/%s/images/edit_order", c.baseURL, url.PathEscape(name))
	headers := map[string]string{"Authorization": "Bearer " + cred.Key}
	payload, err := json.Marshal(struct {
		Images []string `json:"images"`
	}{Images: imageIDs})
	if err != nil {
		return fmt.Errorf("encoding edit_order payload: %w", err)
	}
	if _, err := c.catalog.Post(ctx, uri, headers, bytes.NewReader(payload), "application/json"); err != nil {
		return err
	}
	c.publishChanged(name)
	return nil
}
