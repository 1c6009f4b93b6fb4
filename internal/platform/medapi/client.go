// Package medapi is a client for the Metriport medical API: organization,
// facility and patient management, document queries and consolidated FHIR data.
package medapi

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

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	ProductionURL = "https://api.metriport.com"
	SandboxURL    = "https://api.sandbox.metriport.com"

	// APIKeyHeader carries the account's API key on every request.
	APIKeyHeader = "x-api-key"

	basePath = "/medical/v1"

	defaultTimeout = 20 * time.Second
	maxErrorBody   = 4096
)

// BreakerConfig controls the circuit breaker wrapped around every call.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API location.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithSandbox selects the sandbox environment.
func WithSandbox(sandbox bool) Option {
	return func(c *Client) {
		if sandbox {
			c.baseURL = SandboxURL
		} else {
			c.baseURL = ProductionURL
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker sets the circuit breaker configuration.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// Client talks to the medical API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
	breakerCfg BreakerConfig
	breaker    *gobreaker.CircuitBreaker
}

// New creates a Client for the production API unless overridden.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    ProductionURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zerolog.Nop(),
		breakerCfg: DefaultBreakerConfig(),
	}
	for _, o := range opts {
		o(c)
	}

	cfg := c.breakerCfg
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "medapi",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Client errors mean the service is up. A caller abandoning the
			// request says nothing about its health either way.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return StatusCode(err) > 0 && StatusCode(err) < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

// BaseURL returns the API location in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// BreakerState returns the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// ---------------------------------------------------------------------------
// Organization
// ---------------------------------------------------------------------------

func (c *Client) GetOrganization(ctx context.Context) (*Organization, error) {
	var org Organization
	if err := c.do(ctx, http.MethodGet, "/organization", nil, nil, &org); err != nil {
		return nil, err
	}
	if org.ID == "" {
		return nil, nil
	}
	return &org, nil
}

func (c *Client) CreateOrganization(ctx context.Context, org Organization) (*Organization, error) {
	var out Organization
	if err := c.do(ctx, http.MethodPost, "/organization", nil, org, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateOrganization(ctx context.Context, org Organization) (*Organization, error) {
	if org.ID == "" {
		return nil, errors.New("medapi: organization id is required")
	}
	var out Organization
	if err := c.do(ctx, http.MethodPut, "/organization/"+url.PathEscape(org.ID), nil, org, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Facilities
// ---------------------------------------------------------------------------

func (c *Client) ListFacilities(ctx context.Context) ([]Facility, error) {
	var resp struct {
		Facilities []Facility `json:"facilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/facility", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Facilities == nil {
		resp.Facilities = []Facility{}
	}
	return resp.Facilities, nil
}

func (c *Client) CreateFacility(ctx context.Context, f Facility) (*Facility, error) {
	var out Facility
	if err := c.do(ctx, http.MethodPost, "/facility", nil, f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateFacility(ctx context.Context, f Facility) (*Facility, error) {
	if f.ID == "" {
		return nil, errors.New("medapi: facility id is required")
	}
	var out Facility
	if err := c.do(ctx, http.MethodPut, "/facility/"+url.PathEscape(f.ID), nil, f, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

func (c *Client) ListPatients(ctx context.Context, facilityID string) ([]Patient, error) {
	var resp struct {
		Patients []Patient `json:"patients"`
	}
	q := url.Values{"facilityId": {facilityID}}
	if err := c.do(ctx, http.MethodGet, "/patient", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Patients == nil {
		resp.Patients = []Patient{}
	}
	return resp.Patients, nil
}

func (c *Client) CreatePatient(ctx context.Context, p Patient, facilityID string) (*Patient, error) {
	var out Patient
	q := url.Values{"facilityId": {facilityID}}
	if err := c.do(ctx, http.MethodPost, "/patient", q, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePatient(ctx context.Context, p Patient, facilityID string) (*Patient, error) {
	if p.ID == "" {
		return nil, errors.New("medapi: patient id is required")
	}
	var out Patient
	q := url.Values{"facilityId": {facilityID}}
	if err := c.do(ctx, http.MethodPut, "/patient/"+url.PathEscape(p.ID), q, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePatient(ctx context.Context, patientID, facilityID string) error {
	q := url.Values{}
	if facilityID != "" {
		q.Set("facilityId", facilityID)
	}
	return c.do(ctx, http.MethodDelete, "/patient/"+url.PathEscape(patientID), q, nil, nil)
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// StartDocumentQuery asks the network to gather the patient's documents.
func (c *Client) StartDocumentQuery(ctx context.Context, patientID, facilityID string) (*DocumentQuery, error) {
	var out DocumentQuery
	q := url.Values{"patientId": {patientID}, "facilityId": {facilityID}}
	if err := c.do(ctx, http.MethodPost, "/document/query", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDocumentQueryStatus returns the current state of the patient's document query.
func (c *Client) GetDocumentQueryStatus(ctx context.Context, patientID string) (*DocumentQuery, error) {
	var out DocumentQuery
	q := url.Values{"patientId": {patientID}}
	if err := c.do(ctx, http.MethodGet, "/document/query", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDocuments(ctx context.Context, patientID string, f DocumentFilters) ([]Document, error) {
	q := url.Values{"patientId": {patientID}}
	if f.DateFrom != "" {
		q.Set("dateFrom", f.DateFrom)
	}
	if f.DateTo != "" {
		q.Set("dateTo", f.DateTo)
	}
	if f.Content != "" {
		q.Set("content", f.Content)
	}
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, "/document", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []Document{}
	}
	return resp.Documents, nil
}

// GetDocumentURL returns a download URL. conversionType is "html", "pdf" or
// empty for the original format.
func (c *Client) GetDocumentURL(ctx context.Context, fileName, conversionType string) (*DocumentURL, error) {
	q := url.Values{"fileName": {fileName}}
	if conversionType != "" {
		q.Set("conversionType", conversionType)
	}
	var out DocumentURL
	if err := c.do(ctx, http.MethodGet, "/document/downloadUrl", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Consolidated FHIR data
// ---------------------------------------------------------------------------

func (c *Client) StartConsolidatedQuery(ctx context.Context, patientID string, resources []string, dateFrom, dateTo string) (*ConsolidatedQuery, error) {
	q := url.Values{}
	if len(resources) > 0 {
		q.Set("resources", strings.Join(resources, ","))
	}
	if dateFrom != "" {
		q.Set("dateFrom", dateFrom)
	}
	if dateTo != "" {
		q.Set("dateTo", dateTo)
	}
	var out ConsolidatedQuery
	if err := c.do(ctx, http.MethodPost, "/patient/"+url.PathEscape(patientID)+"/consolidated/query", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConsolidatedQueryStatus(ctx context.Context, patientID string) (*ConsolidatedQuery, error) {
	var out ConsolidatedQuery
	if err := c.do(ctx, http.MethodGet, "/patient/"+url.PathEscape(patientID)+"/consolidated/query", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CountConsolidated(ctx context.Context, patientID string, resources []string) (*ConsolidatedCount, error) {
	q := url.Values{}
	if len(resources) > 0 {
		q.Set("resources", strings.Join(resources, ","))
	}
	var out ConsolidatedCount
	if err := c.do(ctx, http.MethodGet, "/patient/"+url.PathEscape(patientID)+"/consolidated/count", q, nil, &out); err != nil {
		return nil, err
	}
	if out.Resources == nil {
		out.Resources = map[string]int{}
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("medapi: %s %s rejected: %w", method, path, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + basePath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("medapi: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("medapi: build request: %w", err)
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("medapi request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("medapi: decode %s response: %w", path, err)
	}
	return nil
}
