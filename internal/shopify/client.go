// Package shopify is a thin client for the Shopify Admin GraphQL API covering
// product media listing, staged uploads, files and media mutations.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Options configures a Client.
type Options struct {
	APIVersion string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	// Tokens maps a shop domain to its Admin API access token.
	Tokens map[string]string
	// Endpoint overrides the per-shop GraphQL URL; used against local fakes.
	Endpoint   string
	HTTPClient *http.Client
}

// Client holds the shared transport; Shop returns a shop-scoped Admin.
type Client struct {
	httpClient *http.Client
	apiVersion string
	maxRetries uint64
	retryBase  time.Duration
	tokens     map[string]string
	endpoint   string
}

func NewClient(opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = "2024-10"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		httpClient: httpClient,
		apiVersion: opts.APIVersion,
		maxRetries: uint64(opts.MaxRetries),
		retryBase:  opts.RetryBase,
		tokens:     opts.Tokens,
		endpoint:   opts.Endpoint,
	}
}

// Shop returns an Admin bound to shop, or ErrUnknownShop when no token is configured.
func (c *Client) Shop(shop string) (*Admin, error) {
	token, ok := c.tokens[shop]
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShop, shop)
	}
	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, c.apiVersion)
	}
	return &Admin{client: c, shop: shop, token: token, endpoint: endpoint}, nil
}

// Admin issues GraphQL calls for one shop.
type Admin struct {
	client   *Client
	shop     string
	token    string
	endpoint string
}

// GraphQLError is a top-level error from the GraphQL endpoint (not a mutation user error).
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) code() string {
	if code, ok := e.Extensions["code"].(string); ok {
		return code
	}
	return ""
}

type graphQLErrors []GraphQLError

func (g graphQLErrors) Error() string {
	msgs := make([]string, 0, len(g))
	for _, e := range g {
		msgs = append(msgs, e.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

func (g graphQLErrors) throttled() bool {
	for _, e := range g {
		if e.code() == "THROTTLED" {
			return true
		}
	}
	return false
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors graphQLErrors   `json:"errors"`
}

// query runs a read. Throttling and 5xx responses are retried.
func (a *Admin) query(ctx context.Context, query string, vars map[string]any, out any) error {
	return a.do(ctx, query, vars, out, true)
}

// mutate runs a write. Only throttling is retried: a throttled request was
// never executed, while a 5xx may arrive after the mutation was applied.
func (a *Admin) mutate(ctx context.Context, mutation string, vars map[string]any, out any) error {
	return a.do(ctx, mutation, vars, out, false)
}

// do posts query and decodes the data object into out. Throttling (HTTP 429
// or a THROTTLED error), and 5xx responses when retry5xx is set, are retried
// with exponential backoff.
func (a *Admin) do(ctx context.Context, query string, vars map[string]any, out any, retry5xx bool) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("shopify: encode request: %w", err)
	}

	backoff := retry.WithMaxRetries(a.client.maxRetries, retry.NewExponential(a.client.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Shopify-Access-Token", a.token)

		resp, err := a.client.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("shopify: %s: %w", a.shop, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("shopify: read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || (retry5xx && resp.StatusCode >= 500) {
			return retry.RetryableError(fmt.Errorf("shopify: %s: status %d", a.shop, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("shopify: %s: status %d: %s", a.shop, resp.StatusCode, snippet(raw))
		}

		var gr graphQLResponse
		if err := json.Unmarshal(raw, &gr); err != nil {
			return fmt.Errorf("shopify: decode response: %w", err)
		}
		if len(gr.Errors) > 0 {
			if gr.Errors.throttled() {
				return retry.RetryableError(gr.Errors)
			}
			return gr.Errors
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("shopify: decode data: %w", err)
		}
		return nil
	})
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// IsThrottled reports whether err is a GraphQL throttling error that survived retries.
func IsThrottled(err error) bool {
	var g graphQLErrors
	return errors.As(err, &g) && g.throttled()
}
