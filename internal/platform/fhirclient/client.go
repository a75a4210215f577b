// Package fhirclient is the thin REST adapter to the upstream FHIR server.
// It owns the one rule the rest of the gateway relies on: no raw transport
// error or response body ever crosses this boundary; every failure is
// reduced to a short human-readable message first.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// SearchOptions narrows a search call. LastUpdatedBefore is the pagination
// cursor: successive pages sort by -_lastUpdated and move strictly
// backward in time.
type SearchOptions struct {
	Count             int
	Sort              string
	LastUpdatedBefore string
}

// SearchResult is one page of a search. Total is -1 when the upstream did
// not report one.
type SearchResult struct {
	Entries []fhirmodels.Resource
	Total   int
}

// Client talks to one upstream FHIR base URL.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     zerolog.Logger
}

func New(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Search fetches one page of resources of the given type.
func (c *Client) Search(ctx context.Context, resourceType string, opts SearchOptions) (SearchResult, error) {
	q := url.Values{}
	if opts.Count > 0 {
		q.Set("_count", fmt.Sprintf("%d", opts.Count))
	}
	if opts.Sort != "" {
		q.Set("_sort", opts.Sort)
	}
	if opts.LastUpdatedBefore != "" {
		q.Set("_lastUpdated", "lt"+opts.LastUpdatedBefore)
	}

	endpoint := fmt.Sprintf("%s/%s", c.baseURL, resourceType)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var bundle fhirmodels.Bundle
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &bundle); err != nil {
		return SearchResult{}, err
	}

	result := SearchResult{Entries: bundle.Resources(), Total: -1}
	if bundle.Total != nil {
		result.Total = *bundle.Total
	}
	return result, nil
}

// Read fetches a single resource.
func (c *Client) Read(ctx context.Context, resourceType, id string) (fhirmodels.Resource, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id)
	var out fhirmodels.Resource
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new resource and returns the server's canonical version.
func (c *Client) Create(ctx context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, resource.ResourceType())
	var out fhirmodels.Resource
	if err := c.do(ctx, http.MethodPost, endpoint, resource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update puts a resource and returns the server's canonical version, which
// may normalize or compute fields differently than the caller's copy.
func (c *Client) Update(ctx context.Context, resource fhirmodels.Resource) (fhirmodels.Resource, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, resource.ResourceType(), resource.ID())
	var out fhirmodels.Resource
	if err := c.do(ctx, http.MethodPut, endpoint, resource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a resource. A 404 counts as success; the end state is the
// same either way.
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return reduceError(err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return reduceError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return reduceError(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return reduceError(err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return reduceError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.Debug().Err(err).Str("endpoint", endpoint).Msg("fhirclient: bad response body")
		return fmt.Errorf("upstream returned an unreadable response")
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/fhir+json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
