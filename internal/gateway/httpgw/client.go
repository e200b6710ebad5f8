// Package httpgw pushes to connections through a remote gateway's
// connection management API:
//
//	POST   {endpoint}/@connections/{id}   body = message bytes
//	DELETE {endpoint}/@connections/{id}
//
// 410 Gone maps to gateway.ErrGone.
package httpgw

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syntrixbase/broker/internal/gateway"
)

// Options configures the client.
type Options struct {
	Timeout time.Duration
	// Secret signs a short-lived bearer token and the request body. Empty disables both.
	Secret string
	Issuer string
}

// Client implements gateway.Gateway over HTTP.
type Client struct {
	http   *http.Client
	secret []byte
	issuer string
	now    func() time.Time
}

var _ gateway.Gateway = (*Client)(nil)

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	issuer := opts.Issuer
	if issuer == "" {
		issuer = "broker"
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		secret: []byte(opts.Secret),
		issuer: issuer,
		now:    time.Now,
	}
}

func connectionURL(endpoint, connectionID string) string {
	return strings.TrimRight(endpoint, "/") + "/@connections/" + url.PathEscape(connectionID)
}

func (c *Client) Push(ctx context.Context, endpoint, connectionID string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, connectionURL(endpoint, connectionID), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, connectionID, data)
}

func (c *Client) Terminate(ctx context.Context, endpoint, connectionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, connectionURL(endpoint, connectionID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, connectionID, nil)
}

func (c *Client) do(req *http.Request, connectionID string, body []byte) error {
	req.Header.Set("User-Agent", "Broker-Gateway-Client/1.0")
	if len(c.secret) > 0 {
		token, err := c.token(connectionID)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Broker-Signature", c.sign(body, c.now().Unix()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return gateway.ErrGone
	default:
		return fmt.Errorf("gateway %s %s failed with status: %d", req.Method, req.URL.Path, resp.StatusCode)
	}
}

func (c *Client) token(connectionID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   connectionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// sign returns t={ts},v1={hex(hmac)} over "ts." + body.
func (c *Client) sign(body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
