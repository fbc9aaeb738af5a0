package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/leonitousconforti/the-wireguard-effect-sub000/key"
	"go.uber.org/zap"
)

// Client talks to a Server.
type Client struct {
	client  *http.Client
	baseURL *url.URL
}

func NewClient(baseURL string, client *http.Client) (*Client, error) {
	baseURL2, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = new(http.Client)
	}
	return &Client{client: client, baseURL: baseURL2}, nil
}

func (c *Client) do(ctx context.Context, method string, path string, wantStatus int, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s: %s", resp.Status, data)
	}
	if v == nil {
		return nil
	}
	err = json.Unmarshal(data, v)
	if err != nil {
		zap.S().Debugf("received body:\n%s", data)
		return err
	}
	return nil
}

// Lease asks for an address for publicKey. Asking again returns the same address.
func (c *Client) Lease(ctx context.Context, publicKey key.Key) (Grant, error) {
	var g Grant
	err := c.do(ctx, "POST", "/v1/leases/"+publicKey.Hex(), 200, &g)
	if err != nil {
		return Grant{}, fmt.Errorf("lease: %w", err)
	}
	return g, nil
}

func (c *Client) Release(ctx context.Context, publicKey key.Key) error {
	err := c.do(ctx, "DELETE", "/v1/leases/"+publicKey.Hex(), 204, nil)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (c *Client) Leases(ctx context.Context) ([]LeaseResponse, error) {
	var leases []LeaseResponse
	err := c.do(ctx, "GET", "/v1/leases", 200, &leases)
	if err != nil {
		return nil, fmt.Errorf("leases: %w", err)
	}
	return leases, nil
}
