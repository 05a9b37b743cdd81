package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/rotor/pkg/metrics"
	"github.com/cuemby/rotor/pkg/types"
)

const (
	// DefaultBaseURL is the Cloudflare v4 API endpoint
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"

	// DefaultRequestTimeout bounds a single provider request
	DefaultRequestTimeout = 30 * time.Second

	// recordsPerPage is the page size used when listing records
	recordsPerPage = 100
)

// Cloudflare error codes that map to specific fault kinds
const (
	cfCodeInvalidToken      = 9109
	cfCodeAuthError         = 10000
	cfCodeRecordNotFound    = 81044
	cfCodeZoneNotFound      = 7003
	cfCodeIdenticalContent  = 81058
)

// Cloudflare implements Provider against the Cloudflare v4 HTTP API
type Cloudflare struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // Per-account request pacing
}

// NewCloudflare creates a Cloudflare provider client
func NewCloudflare() *Cloudflare {
	return &Cloudflare{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithBaseURL overrides the API endpoint (used by tests)
func (c *Cloudflare) WithBaseURL(base string) *Cloudflare {
	c.baseURL = base
	return c
}

// WithTimeout overrides the per-request timeout
func (c *Cloudflare) WithTimeout(timeout time.Duration) *Cloudflare {
	c.client.Timeout = timeout
	return c
}

// apiEnvelope is the Cloudflare response wrapper
type apiEnvelope struct {
	Success    bool            `json:"success"`
	Errors     []apiError      `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *resultInfo     `json:"result_info"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// apiZone is the wire form of a zone
type apiZone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// apiRecord is the wire form of a DNS record
type apiRecord struct {
	ID      string `json:"id"`
	ZoneID  string `json:"zone_id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

func (r *apiRecord) toRecord() *types.Record {
	return &types.Record{
		ID:      r.ID,
		ZoneID:  r.ZoneID,
		Name:    r.Name,
		Type:    types.RecordType(r.Type),
		Value:   r.Content,
		Proxied: r.Proxied,
		TTL:     r.TTL,
	}
}

// tokenVerifyResult is the wire form of GET /user/tokens/verify
type tokenVerifyResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListZones returns all zones visible to the account token
func (c *Cloudflare) ListZones(ctx context.Context, account *types.Account) ([]*types.Zone, error) {
	var zones []*types.Zone
	page := 1
	for {
		path := fmt.Sprintf("/zones?page=%d&per_page=%d", page, recordsPerPage)
		env, err := c.do(ctx, account, http.MethodGet, path, nil, "list_zones")
		if err != nil {
			return nil, err
		}

		var batch []apiZone
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, types.Faultf(types.FaultTransient, "decode zones: %w", err)
		}
		for _, z := range batch {
			zones = append(zones, &types.Zone{ID: z.ID, AccountID: account.ID, Name: z.Name})
		}

		if env.ResultInfo == nil || page >= env.ResultInfo.TotalPages {
			return zones, nil
		}
		page++
	}
}

// ListRecords returns the full record set for a zone, following pagination
func (c *Cloudflare) ListRecords(ctx context.Context, account *types.Account, zoneID string, typeFilter types.RecordType) ([]*types.Record, error) {
	var records []*types.Record
	page := 1
	for {
		path := fmt.Sprintf("/zones/%s/dns_records?page=%d&per_page=%d", url.PathEscape(zoneID), page, recordsPerPage)
		if typeFilter != "" {
			path += "&type=" + url.QueryEscape(string(typeFilter))
		}
		env, err := c.do(ctx, account, http.MethodGet, path, nil, "list_records")
		if err != nil {
			return nil, err
		}

		var batch []apiRecord
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, types.Faultf(types.FaultTransient, "decode records: %w", err)
		}
		for i := range batch {
			records = append(records, batch[i].toRecord())
		}

		if env.ResultInfo == nil || page >= env.ResultInfo.TotalPages {
			return records, nil
		}
		page++
	}
}

// GetRecord reads a single record
func (c *Cloudflare) GetRecord(ctx context.Context, account *types.Account, zoneID, recordID string) (*types.Record, error) {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", url.PathEscape(zoneID), url.PathEscape(recordID))
	env, err := c.do(ctx, account, http.MethodGet, path, nil, "get_record")
	if err != nil {
		return nil, err
	}

	var rec apiRecord
	if err := json.Unmarshal(env.Result, &rec); err != nil {
		return nil, types.Faultf(types.FaultTransient, "decode record: %w", err)
	}
	return rec.toRecord(), nil
}

// UpdateRecord sets the record's value, sending type, name, proxied, and
// ttl unchanged so the provider preserves them.
func (c *Cloudflare) UpdateRecord(ctx context.Context, account *types.Account, record *types.Record, newValue string) (*types.Record, error) {
	body := apiRecord{
		Type:    string(record.Type),
		Name:    record.Name,
		Content: newValue,
		Proxied: record.Proxied,
		TTL:     record.TTL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.Faultf(types.FaultRecordScope, "encode record update: %w", err)
	}

	path := fmt.Sprintf("/zones/%s/dns_records/%s", url.PathEscape(record.ZoneID), url.PathEscape(record.ID))
	env, err := c.do(ctx, account, http.MethodPut, path, payload, "update_record")
	if err != nil {
		return nil, err
	}

	var updated apiRecord
	if err := json.Unmarshal(env.Result, &updated); err != nil {
		return nil, types.Faultf(types.FaultTransient, "decode updated record: %w", err)
	}
	return updated.toRecord(), nil
}

// VerifyToken checks the token via /user/tokens/verify
func (c *Cloudflare) VerifyToken(ctx context.Context, account *types.Account) (*TokenStatus, error) {
	env, err := c.do(ctx, account, http.MethodGet, "/user/tokens/verify", nil, "verify_token")
	if err != nil {
		if types.KindOf(err) == types.FaultAuth {
			return &TokenStatus{Valid: false}, nil
		}
		return nil, err
	}

	var result tokenVerifyResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, types.Faultf(types.FaultTransient, "decode token verify: %w", err)
	}
	return &TokenStatus{Valid: result.Status == "active"}, nil
}

// limiter returns the per-account request limiter, creating it on first use
func (c *Cloudflare) limiter(accountID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[accountID]
	if !ok {
		// Cloudflare allows 1200 requests per 5 minutes per token
		l = rate.NewLimiter(rate.Limit(4), 4)
		c.limiters[accountID] = l
	}
	return l
}

// do executes one API request and decodes the response envelope
func (c *Cloudflare) do(ctx context.Context, account *types.Account, method, path string, body []byte, op string) (*apiEnvelope, error) {
	if err := c.limiter(account.ID).Wait(ctx); err != nil {
		return nil, types.Faultf(types.FaultTransient, "rate limit wait: %w", err)
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.Faultf(types.FaultTransient, "build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.Token)
	req.Header.Set("Content-Type", "application/json")

	timer := metrics.NewTimer()
	resp, err := c.client.Do(req)
	timer.ObserveDurationVec(metrics.ProviderRequestDuration, op)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(op, string(types.FaultTransient)).Inc()
		return nil, types.Faultf(types.FaultTransient, "%s: %w", op, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		kind := classifyStatus(resp.StatusCode, nil)
		metrics.ProviderFailures.WithLabelValues(op, string(kind)).Inc()
		return nil, types.Faultf(kind, "%s: HTTP %d, undecodable body: %w", op, resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		kind := classifyStatus(resp.StatusCode, env.Errors)
		metrics.ProviderFailures.WithLabelValues(op, string(kind)).Inc()
		return nil, types.Faultf(kind, "%s: HTTP %d: %s", op, resp.StatusCode, summarize(env.Errors))
	}

	return &env, nil
}

// classifyStatus maps an HTTP status plus Cloudflare error codes onto
// the fault taxonomy
func classifyStatus(status int, errs []apiError) types.FaultKind {
	for _, e := range errs {
		switch e.Code {
		case cfCodeInvalidToken, cfCodeAuthError:
			return types.FaultAuth
		case cfCodeRecordNotFound, cfCodeZoneNotFound:
			return types.FaultRecordScope
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.FaultAuth
	case status == http.StatusNotFound:
		return types.FaultRecordScope
	case status >= 400 && status < 500:
		return types.FaultRecordScope
	default:
		return types.FaultTransient
	}
}

func summarize(errs []apiError) string {
	if len(errs) == 0 {
		return "no error detail"
	}
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("code %d: %s", e.Code, e.Message)
	}
	return out
}
