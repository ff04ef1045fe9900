// Package client is a Go client of the ledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/rpc/api"
	"github.com/spacemeshos/starledger/types"
	"github.com/spacemeshos/starledger/validation"
)

// HTTPClient talks to a ledger server.
type HTTPClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

type clientOptions struct {
	retryMax     int
	retryWaitMin time.Duration
	logger       *zap.Logger
}

type ClientOptionFunc func(*clientOptions)

// WithRetries sets how many times failed requests are retried and the
// minimum wait between two attempts.
func WithRetries(retryMax int, waitMin time.Duration) ClientOptionFunc {
	return func(opts *clientOptions) {
		opts.retryMax = retryMax
		opts.retryWaitMin = waitMin
	}
}

func WithLogger(logger *zap.Logger) ClientOptionFunc {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

// NewHTTPClient returns a client of the server at baseUrl.
func NewHTTPClient(baseUrl string, opts ...ClientOptionFunc) (*HTTPClient, error) {
	baseURL, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	options := clientOptions{
		retryMax:     4,
		retryWaitMin: time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = options.retryMax
	client.RetryWaitMin = options.retryWaitMin
	if client.RetryWaitMax < client.RetryWaitMin {
		client.RetryWaitMax = client.RetryWaitMin
	}
	client.Logger = &leveledLogger{options.logger.Sugar()}

	return &HTTPClient{
		baseURL: baseURL,
		client:  client,
	}, nil
}

// RequestValidation asks for the challenge address must sign.
func (c *HTTPClient) RequestValidation(ctx context.Context, address string) (*validation.Record, error) {
	var record validation.Record
	in := api.RequestValidationRequest{Address: address}
	if _, err := c.req(ctx, http.MethodPost, "/requestValidation", &in, &record); err != nil {
		return nil, fmt.Errorf("requesting validation: %w", err)
	}
	return &record, nil
}

// ValidateSignature submits the signature of the challenge. A rejected
// signature is not an error: the result tells whether the address may
// register a star.
func (c *HTTPClient) ValidateSignature(ctx context.Context, address, signature string) (*validation.Result, error) {
	var result validation.Result
	in := api.ValidateSignatureRequest{Address: address, Signature: signature}
	if _, err := c.req(ctx, http.MethodPost, "/message-signature/validate", &in, &result, http.StatusUnauthorized); err != nil {
		return nil, fmt.Errorf("validating signature: %w", err)
	}
	return &result, nil
}

// RegisterStar appends a star on behalf of an authorized address.
// The story is plain text.
func (c *HTTPClient) RegisterStar(ctx context.Context, address string, star chain.Star) (*chain.Block, error) {
	var block chain.Block
	in := api.RegisterStarRequest{Address: address, Star: &star}
	if _, err := c.req(ctx, http.MethodPost, "/block", &in, &block); err != nil {
		return nil, fmt.Errorf("registering star: %w", err)
	}
	return &block, nil
}

func (c *HTTPClient) Block(ctx context.Context, height uint64) (*chain.Block, error) {
	var block chain.Block
	if _, err := c.req(ctx, http.MethodGet, "/block/"+strconv.FormatUint(height, 10), nil, &block); err != nil {
		return nil, fmt.Errorf("getting block %d: %w", height, err)
	}
	return &block, nil
}

func (c *HTTPClient) StarByHash(ctx context.Context, hash string) (*chain.Block, error) {
	var block chain.Block
	if _, err := c.req(ctx, http.MethodGet, "/stars/hash/"+url.PathEscape(hash), nil, &block); err != nil {
		return nil, fmt.Errorf("getting star %s: %w", hash, err)
	}
	return &block, nil
}

func (c *HTTPClient) StarsByAddress(ctx context.Context, address string) ([]*chain.Block, error) {
	var blocks []*chain.Block
	if _, err := c.req(ctx, http.MethodGet, "/stars/address/"+url.PathEscape(address), nil, &blocks); err != nil {
		return nil, fmt.Errorf("getting stars of %s: %w", address, err)
	}
	return blocks, nil
}

func (c *HTTPClient) Height(ctx context.Context) (int64, error) {
	var out api.HeightResponse
	if _, err := c.req(ctx, http.MethodGet, "/height", nil, &out); err != nil {
		return 0, fmt.Errorf("getting height: %w", err)
	}
	return out.Height, nil
}

// ValidateChain asks the server to check the whole chain.
func (c *HTTPClient) ValidateChain(ctx context.Context) (*chain.Report, error) {
	var report chain.Report
	if _, err := c.req(ctx, http.MethodGet, "/validate", nil, &report); err != nil {
		return nil, fmt.Errorf("validating chain: %w", err)
	}
	return &report, nil
}

// req sends reqBody and decodes the response into resBody. Responses
// with a 2xx status or one of the accepted statuses are decoded.
func (c *HTTPClient) req(ctx context.Context, method, path string, reqBody, resBody any, accepted ...int) (int, error) {
	var body io.Reader
	if reqBody != nil {
		jsonReqBody, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		body = bytes.NewReader(jsonReqBody)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return 0, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	ok := res.StatusCode >= 200 && res.StatusCode < 300
	for _, status := range accepted {
		ok = ok || res.StatusCode == status
	}
	if !ok {
		return res.StatusCode, responseError(res, data)
	}

	if resBody != nil {
		if err := json.Unmarshal(data, resBody); err != nil {
			return res.StatusCode, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return res.StatusCode, nil
}

func responseError(res *http.Response, data []byte) error {
	message := string(data)
	var errResp api.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Message != "" {
		message = errResp.Message
	}

	switch res.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", types.ErrUnauthorized, message)
	case http.StatusUnprocessableEntity, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", types.ErrMalformedInput, message)
	default:
		return fmt.Errorf("unrecognized error: status code: %s, body: %s", res.Status, message)
	}
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	*zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...any) { l.Errorw(msg, keysAndValues...) }
func (l *leveledLogger) Info(msg string, keysAndValues ...any)  { l.Infow(msg, keysAndValues...) }
func (l *leveledLogger) Debug(msg string, keysAndValues ...any) { l.Debugw(msg, keysAndValues...) }
func (l *leveledLogger) Warn(msg string, keysAndValues ...any)  { l.Warnw(msg, keysAndValues...) }
