// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-agrosync/internal/auth"
	"github.com/mobiletoly/go-agrosync/internal/format"
)

const (
	mimeJSON   = "application/json"
	mimeObject = "application/vnd.pgrst.object+json"
)

// RESTConfig configures a PostgREST client.
type RESTConfig struct {
	BaseURL    string        // e.g. https://project.supabase.co/rest/v1
	APIKey     string        // sent as "apikey" and, without JWTSecret, as the bearer token
	JWTSecret  string        // when set, an HS256 token is minted per request
	Role       string        // "role" claim of minted tokens; defaults to "authenticated"
	TokenTTL   time.Duration // lifetime of minted tokens; defaults to 5m
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RESTClient talks to a PostgREST endpoint.
type RESTClient struct {
	baseURL string
	apiKey  string
	secret  []byte
	role    string
	ttl     time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// NewRESTClient validates cfg and builds a client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL must be provided")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	c := &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		role:    cfg.Role,
		ttl:     cfg.TokenTTL,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
	if cfg.JWTSecret != "" {
		c.secret = []byte(cfg.JWTSecret)
	}
	if c.role == "" {
		c.role = "authenticated"
	}
	if c.ttl <= 0 {
		c.ttl = 5 * time.Minute
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// tokenClaims are the claims PostgREST reads to pick a database role. Row
// level security policies read finca_id through request.jwt.claims.
type tokenClaims struct {
	Role    string `json:"role"`
	FincaID string `json:"finca_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *RESTClient) token(ctx context.Context) (string, error) {
	if c.secret == nil {
		return c.apiKey, nil
	}
	now := time.Now()
	claims := &tokenClaims{
		Role: c.role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	if userID, ok := auth.GetUserID(ctx); ok {
		claims.Subject = userID
	}
	if fincaID, ok := auth.GetFincaID(ctx); ok {
		claims.FincaID = fincaID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Select implements Client.
func (c *RESTClient) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	var rows []Row
	if err := c.do(ctx, http.MethodGet, table, q, nil, requestOpts{}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SelectSingle implements Client.
func (c *RESTClient) SelectSingle(ctx context.Context, table string, q Query) (Row, error) {
	var row Row
	if err := c.do(ctx, http.MethodGet, table, q, nil, requestOpts{single: true}, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Insert implements Client.
func (c *RESTClient) Insert(ctx context.Context, table string, row Row) (Row, error) {
	var out Row
	opts := requestOpts{single: true, prefer: []string{"return=representation"}}
	if err := c.do(ctx, http.MethodPost, table, Query{}, row, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements Client.
func (c *RESTClient) Update(ctx context.Context, table string, patch Row, q Query) (Row, error) {
	if len(q.Filters) == 0 {
		return nil, fmt.Errorf("update of %s requires a filter", table)
	}
	var out Row
	opts := requestOpts{single: true, prefer: []string{"return=representation"}}
	if err := c.do(ctx, http.MethodPatch, table, q, patch, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert implements Client.
func (c *RESTClient) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	var out []Row
	opts := requestOpts{
		onConflict: onConflict,
		prefer:     []string{"return=representation", "resolution=merge-duplicates"},
	}
	if err := c.do(ctx, http.MethodPost, table, Query{}, rows, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements Client.
func (c *RESTClient) Delete(ctx context.Context, table string, q Query) error {
	if len(q.Filters) == 0 {
		return fmt.Errorf("delete from %s requires a filter", table)
	}
	return c.do(ctx, http.MethodDelete, table, q, nil, requestOpts{}, nil)
}

type requestOpts struct {
	single     bool
	prefer     []string
	onConflict string
}

func (c *RESTClient) do(ctx context.Context, method, table string, q Query, body any, opts requestOpts, out any) error {
	if !ValidIdent(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if err := q.validate(); err != nil {
		return err
	}

	endpoint := c.baseURL + "/" + table
	if params := encodeParams(method, q, opts); len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJSON)
	}
	if opts.single {
		req.Header.Set("Accept", mimeObject)
	} else {
		req.Header.Set("Accept", mimeJSON)
	}
	if len(opts.prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(opts.prefer, ","))
	}
	if method == http.MethodGet && q.Ranged() {
		req.Header.Set("Range-Unit", "items")
		req.Header.Set("Range", fmt.Sprintf("%d-%d", q.From, q.To))
	}

	c.logger.Debug("remote request", "method", method, "table", table, "query", req.URL.RawQuery)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", table, err)
	}
	return nil
}

func encodeParams(method string, q Query, opts requestOpts) url.Values {
	params := url.Values{}
	if method == http.MethodGet || opts.single || len(opts.prefer) > 0 {
		if cols := q.ColumnList(); len(cols) > 0 {
			params.Set("select", strings.Join(cols, ","))
		} else if method == http.MethodGet {
			params.Set("select", "*")
		}
	}
	for _, f := range q.Filters {
		if f.Value == nil && f.Op == OpEq {
			params.Add(f.Field, "is.null")
			continue
		}
		params.Add(f.Field, string(f.Op)+"."+filterValue(f.Value))
	}
	if len(q.Orders) > 0 {
		terms := make([]string, 0, len(q.Orders))
		for _, o := range q.Orders {
			dir := "asc"
			if !o.Ascending {
				dir = "desc"
			}
			terms = append(terms, o.Field+"."+dir)
		}
		params.Set("order", strings.Join(terms, ","))
	}
	if opts.onConflict != "" {
		params.Set("on_conflict", opts.onConflict)
	}
	return params
}

func filterValue(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	if s, err := format.KeyString(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

func decodeError(status int, body []byte) error {
	remoteErr := &Error{Status: status}
	if err := json.Unmarshal(body, remoteErr); err != nil || (remoteErr.Code == "" && remoteErr.Message == "") {
		remoteErr.Message = strings.TrimSpace(string(body))
		if remoteErr.Message == "" {
			remoteErr.Message = http.StatusText(status)
		}
	}
	return remoteErr
}
