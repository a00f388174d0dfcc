package eamsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildfocus/equipcast_backend/models"
)

const defaultApiKeyHeader = "X-API-Key"

// Client is the Titan EAM adapter. It builds authenticated requests against
// the two endpoint styles the external system exposes and normalizes both
// into FetchResult. The client never retries; retry policy belongs to the
// callers (ingestion pages, worker backoff).
type Client struct {
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient() *Client {
	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("EAM_HTTP_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("EAM_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: time.Tick(interval),
	}
}

// FetchRaw pages through one endpoint. Protocol selection is driven purely by
// endpoint configuration: a grid identifier means the grid query protocol,
// otherwise the resource path is fetched as plain REST.
func (c *Client) FetchRaw(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, orgFilter string, page Page) (FetchResult, error) {
	if endpoint.IsGrid() {
		return c.fetchGrid(ctx, conn, endpoint, orgFilter, page)
	}
	return c.fetchRest(ctx, conn, endpoint, page)
}

func (c *Client) fetchGrid(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, orgFilter string, page Page) (FetchResult, error) {
	reqBody := gridRequest{
		GridName:     endpoint.GridName,
		SortAlias:    endpoint.GridSortAlias,
		RowOffset:    page.Offset,
		RowCount:     page.Limit,
		UpdatedSince: page.UpdatedSince,
	}
	if orgFilter != "" && endpoint.OrgFilterAlias != "" {
		reqBody.Filters = []gridFilter{{
			Alias:    endpoint.OrgFilterAlias,
			Operator: "BEGINS",
			Value:    orgFilter,
		}}
	}

	body, elapsed, status, err := c.do(ctx, conn, http.MethodPost, conn.BaseURL+"/grids/query", reqBody)
	if err != nil {
		return FetchResult{StatusCode: status, ElapsedMs: elapsed}, err
	}

	var parsed gridResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return FetchResult{StatusCode: status, ElapsedMs: elapsed}, fmt.Errorf("decode grid response: %w", err)
	}

	records := make([]map[string]string, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		records = append(records, flattenCells(row.Cells))
	}
	return FetchResult{
		Records:    records,
		TotalCount: parsed.TotalRowCount,
		StatusCode: status,
		ElapsedMs:  elapsed,
	}, nil
}

func (c *Client) fetchRest(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, page Page) (FetchResult, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(page.Limit))
	params.Set("offset", strconv.Itoa(page.Offset))
	if page.UpdatedSince != "" {
		params.Set("updated_since", page.UpdatedSince)
	}
	target := conn.BaseURL + endpoint.ResourcePath + "?" + params.Encode()

	body, elapsed, status, err := c.do(ctx, conn, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{StatusCode: status, ElapsedMs: elapsed}, err
	}

	var parsed restListResponse
	if err := unmarshalUseNumber(body, &parsed); err != nil {
		return FetchResult{StatusCode: status, ElapsedMs: elapsed}, fmt.Errorf("decode rest response: %w", err)
	}

	records := make([]map[string]string, 0, len(parsed.Records))
	for _, rec := range parsed.Records {
		records = append(records, stringifyRecord(rec))
	}
	return FetchResult{
		Records:    records,
		TotalCount: parsed.TotalCount,
		StatusCode: status,
		ElapsedMs:  elapsed,
	}, nil
}

// GetRecord fetches the external system's current values for one target
// entity. Used by the sync worker ahead of the three-way conflict check.
func (c *Client) GetRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string) (map[string]string, error) {
	if endpoint.IsGrid() {
		reqBody := gridRequest{
			GridName: endpoint.GridName,
			Filters: []gridFilter{{
				Alias:    endpoint.IdentityField,
				Operator: "EQUALS",
				Value:    externalId,
			}},
			RowCount: 1,
		}
		body, _, _, err := c.do(ctx, conn, http.MethodPost, conn.BaseURL+"/grids/query", reqBody)
		if err != nil {
			return nil, err
		}
		var parsed gridResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("decode grid response: %w", err)
		}
		if len(parsed.Rows) == 0 {
			return nil, NewApiError(http.StatusNotFound, []byte("record "+externalId+" not found in grid "+endpoint.GridName))
		}
		return flattenCells(parsed.Rows[0].Cells), nil
	}

	body, _, _, err := c.do(ctx, conn, http.MethodGet, conn.BaseURL+endpoint.ResourcePath+"/"+url.PathEscape(externalId), nil)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := unmarshalUseNumber(body, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return stringifyRecord(rec), nil
}

// UpdateRecord pushes a field-level change. Writes always go through the REST
// resource protocol; the grid protocol is read-only bulk query. Returns the
// external system's new record version when it supplies one.
func (c *Client) UpdateRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string, fields map[string]string) (string, error) {
	if endpoint.ResourcePath == "" {
		return "", fmt.Errorf("endpoint %d has no resource path for writes", endpoint.ID)
	}
	target := conn.BaseURL + endpoint.ResourcePath + "/" + url.PathEscape(externalId)
	body, _, _, err := c.do(ctx, conn, http.MethodPatch, target, fields)
	if err != nil {
		return "", err
	}
	var parsed restWriteResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return parsed.Version, nil
}

func (c *Client) do(ctx context.Context, conn *models.EamConnection, method, target string, payload any) (body []byte, elapsedMs int64, status int, err error) {
	<-c.limiter

	var reqBody io.Reader
	if payload != nil {
		data, merr := json.Marshal(payload)
		if merr != nil {
			return nil, 0, 0, merr
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	applyAuth(req, conn)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return nil, elapsedMs, 0, &TimeoutError{Op: method + " " + target, Err: err}
		}
		return nil, elapsedMs, 0, err
	}
	defer resp.Body.Close()

	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, elapsedMs, resp.StatusCode, NewApiError(resp.StatusCode, body)
	}
	return body, elapsedMs, resp.StatusCode, nil
}

func applyAuth(req *http.Request, conn *models.EamConnection) {
	switch conn.AuthType {
	case models.EamAuthTypeBasic:
		req.SetBasicAuth(conn.Username, conn.AuthSecretRef)
	default:
		header := conn.ApiKeyHeader
		if header == "" {
			header = defaultApiKeyHeader
		}
		req.Header.Set(header, conn.AuthSecretRef)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Timeout()
	}
	return false
}

func flattenCells(cells []gridCell) map[string]string {
	out := make(map[string]string, len(cells))
	for _, cell := range cells {
		if cell.Alias == "" {
			continue
		}
		out[cell.Alias] = cell.Value
	}
	return out
}

// stringifyRecord coerces a decoded REST object into the flat string mapping
// the grid protocol produces. Numbers keep their wire text (json.Number) so
// values survive round-trips without float formatting drift.
func stringifyRecord(rec map[string]any) map[string]string {
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

func unmarshalUseNumber(data []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dest)
}
