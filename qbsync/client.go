package qbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
)

type ClientConfig struct {
	BaseURL         string
	MinorVersion    string
	RateLimitPerMin int64
	HTTPTimeout     time.Duration
}

func ClientConfigFromEnv() ClientConfig {
	baseURL := strings.TrimSpace(os.Getenv("QB_API_BASE_URL"))
	if baseURL == "" {
		if strings.EqualFold(strings.TrimSpace(os.Getenv("QB_ENVIRONMENT")), "sandbox") {
			baseURL = "https://sandbox-quickbooks.api.intuit.com"
		} else {
			baseURL = "https://quickbooks.api.intuit.com"
		}
	}
	minorVersion := strings.TrimSpace(os.Getenv("QB_MINOR_VERSION"))
	if minorVersion == "" {
		minorVersion = "65"
	}
	rateLimitPerMin := int64(300)
	if v := strings.TrimSpace(os.Getenv("QB_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	return ClientConfig{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		MinorVersion:    minorVersion,
		RateLimitPerMin: rateLimitPerMin,
		HTTPTimeout:     30 * time.Second,
	}
}

// Client wraps the QuickBooks Online v3 API. Every request goes through do(),
// which resolves the bearer token per realm and performs exactly one
// refresh-and-retry when the API answers 401; a second 401 surfaces as
// utils.ErrorAuthFailed and is fatal for the calling job only.
type Client struct {
	cfg     ClientConfig
	tokens  *TokenManager
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient(cfg ClientConfig, tokens *TokenManager) *Client {
	interval := time.Minute / time.Duration(cfg.RateLimitPerMin)
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: time.Tick(interval),
	}
}

func (c *Client) do(ctx context.Context, realmId, method, path string, params url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.GetToken(ctx, config.GetDB(), realmId)
	if err != nil {
		return nil, err
	}

	status, respBody, err := c.send(ctx, realmId, method, path, params, payload, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		token, err = c.tokens.ForceRefresh(ctx, config.GetDB(), realmId)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrorAuthFailed, err)
		}
		status, respBody, err = c.send(ctx, realmId, method, path, params, payload, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, utils.ErrorAuthFailed
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("quickbooks api error %d: %s", status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (c *Client) send(ctx context.Context, realmId, method, path string, params url.Values, payload []byte, token string) (int, []byte, error) {
	<-c.limiter

	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", c.cfg.MinorVersion)
	endpoint := fmt.Sprintf("%s/v3/company/%s%s?%s", c.cfg.BaseURL, realmId, path, params.Encode())

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

type queryEnvelope struct {
	QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
}

// QueryEntities runs one page of a SELECT against the query endpoint and
// returns the raw entity payloads.
func (c *Client) QueryEntities(ctx context.Context, realmId, qbEntity, whereClause string, startPosition, maxResults int) ([]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT * FROM %s", qbEntity)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	query += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", startPosition, maxResults)

	params := url.Values{}
	params.Set("query", query)
	body, err := c.do(ctx, realmId, http.MethodGet, "/query", params, nil)
	if err != nil {
		return nil, err
	}

	var envelope queryEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode query response for %s: %w", qbEntity, err)
	}
	raw, ok := envelope.QueryResponse[qbEntity]
	if !ok {
		// Empty page: QuickBooks omits the entity key entirely.
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", qbEntity, err)
	}
	return items, nil
}

// CountEntities runs SELECT COUNT(*) for one entity type.
func (c *Client) CountEntities(ctx context.Context, realmId, qbEntity, whereClause string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", qbEntity)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}

	params := url.Values{}
	params.Set("query", query)
	body, err := c.do(ctx, realmId, http.MethodGet, "/query", params, nil)
	if err != nil {
		return 0, err
	}

	var envelope struct {
		QueryResponse struct {
			TotalCount int `json:"totalCount"`
		} `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("decode count response for %s: %w", qbEntity, err)
	}
	return envelope.QueryResponse.TotalCount, nil
}

type cdcEnvelope struct {
	CDCResponse []struct {
		QueryResponse []map[string]json.RawMessage `json:"QueryResponse"`
	} `json:"CDCResponse"`
}

// ChangeDataCapture issues one batched "what changed since" request covering
// all requested entity types and returns the changed payloads grouped by
// QuickBooks entity name.
func (c *Client) ChangeDataCapture(ctx context.Context, realmId string, qbEntities []string, since time.Time) (map[string][]json.RawMessage, error) {
	params := url.Values{}
	params.Set("entities", strings.Join(qbEntities, ","))
	params.Set("changedSince", since.UTC().Format(time.RFC3339))

	body, err := c.do(ctx, realmId, http.MethodGet, "/cdc", params, nil)
	if err != nil {
		return nil, err
	}

	var envelope cdcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode cdc response: %w", err)
	}

	changes := make(map[string][]json.RawMessage)
	for _, block := range envelope.CDCResponse {
		for _, queryResp := range block.QueryResponse {
			for key, raw := range queryResp {
				// Skip pagination metadata keys (startPosition, maxResults).
				if len(raw) == 0 || raw[0] != '[' {
					continue
				}
				var items []json.RawMessage
				if err := json.Unmarshal(raw, &items); err != nil {
					continue
				}
				changes[key] = append(changes[key], items...)
			}
		}
	}
	return changes, nil
}

type invoiceEnvelope struct {
	Invoice json.RawMessage `json:"Invoice"`
}

// CreateInvoice posts a new invoice and returns the authoritative created
// payload.
func (c *Client) CreateInvoice(ctx context.Context, realmId string, invoice map[string]any) (json.RawMessage, error) {
	body, err := c.do(ctx, realmId, http.MethodPost, "/invoice", nil, invoice)
	if err != nil {
		return nil, err
	}
	var envelope invoiceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode create invoice response: %w", err)
	}
	return envelope.Invoice, nil
}

// SparseUpdateInvoice submits a sparse invoice update carrying the caller's
// last-known SyncToken; QuickBooks rejects it with a stale-object error when
// the token has moved on.
func (c *Client) SparseUpdateInvoice(ctx context.Context, realmId string, invoice map[string]any) (json.RawMessage, error) {
	invoice["sparse"] = true
	body, err := c.do(ctx, realmId, http.MethodPost, "/invoice", nil, invoice)
	if err != nil {
		return nil, err
	}
	var envelope invoiceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode update invoice response: %w", err)
	}
	return envelope.Invoice, nil
}
