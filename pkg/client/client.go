package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/version"
)

const (
	dispatchSecretHeader = "X-Dispatch-Secret"
	defaultTimeout       = 2 * time.Minute
)

type Client struct {
	http           *resty.Client
	server         string
	token          string
	dispatchSecret string
	userAgent      string
}

type Option func(*Client) error

func New(opts ...Option) (*Client, error) {
	c := &Client{
		http:      resty.New().SetTimeout(defaultTimeout),
		userAgent: version.UserAgent(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.server == "" {
		return nil, errors.New("server is required")
	}
	c.http.SetBaseURL(c.server).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", c.userAgent)
	if c.token != "" {
		c.http.SetAuthToken(c.token)
	}
	return c, nil
}

func WithServer(server string) Option {
	return func(c *Client) error {
		if server == "" {
			return errors.New("server is required")
		}
		parsed, err := url.Parse(server)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid server %q", server)
		}
		c.server = strings.TrimRight(server, "/")
		return nil
	}
}

// WithToken sets the admin bearer token.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

func WithDispatchSecret(secret string) Option {
	return func(c *Client) error {
		c.dispatchSecret = secret
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.http.SetTimeout(d)
		}
		return nil
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}

func WithTLSConfig(caFile string, insecureSkipTLSVerify bool) Option {
	return func(c *Client) error {
		tlsConfig, err := loadTLSConfig(caFile, insecureSkipTLSVerify)
		if err != nil {
			return err
		}
		c.http.SetTLSClientConfig(tlsConfig)
		return nil
	}
}

func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} // #nosec G402 -- opt-in flag
	if caFile == "" {
		return tlsConfig, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("failed to parse CA file")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// TriggerDispatch runs one dispatch cycle on the server.
func (c *Client) TriggerDispatch(ctx context.Context) (mail.CycleSummary, error) {
	var out mail.CycleSummary
	req := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiError{})
	if c.dispatchSecret != "" {
		req.SetHeader(dispatchSecretHeader, c.dispatchSecret)
	}
	resp, err := req.Post("/api/dispatch/run")
	if err := checkResponse(resp, err); err != nil {
		return mail.CycleSummary{}, err
	}
	return out, nil
}

func (c *Client) DispatchStatus(ctx context.Context) (mail.SchedulerStatus, error) {
	var out mail.SchedulerStatus
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).Get("/api/dispatch/status")
	if err := checkResponse(resp, err); err != nil {
		return mail.SchedulerStatus{}, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context) (map[mail.Status]int64, error) {
	out := map[mail.Status]int64{}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).Get("/api/queue/stats")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Enqueue(ctx context.Context, item mail.NewQueueItem) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(item).SetResult(&out).SetError(&apiError{}).Post("/api/queue")
	if err := checkResponse(resp, err); err != nil {
		return "", err
	}
	return out.ID, nil
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	msg := ""
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil {
		msg = strings.TrimSpace(apiErr.Error)
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if msg == "" {
		msg = resp.Status()
	}
	return &HTTPError{StatusCode: resp.StatusCode(), Message: msg}
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}
