package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start creates a new item and begins its first stage.
func (c *Client) Start(req StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Checkforge.Start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Advance executes the next stage of an item.
func (c *Client) Advance(req AdvanceRequest) (*AdvanceResponse, error) {
	var resp AdvanceResponse
	if err := c.client.Call("Checkforge.Advance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run drives an item forward until it pauses or reaches a terminal status.
func (c *Client) Run(req RunRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.client.Call("Checkforge.Run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Save merges reviewer edits into an item awaiting review.
func (c *Client) Save(req SaveRequest) (*SaveResponse, error) {
	var resp SaveResponse
	if err := c.client.Call("Checkforge.Save", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cooperative cancellation of an item.
func (c *Client) Cancel(req CancelRequest) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.client.Call("Checkforge.Cancel", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset starts a fresh attempt chain for a terminal item.
func (c *Client) Reset(req ResetRequest) (*ResetResponse, error) {
	var resp ResetResponse
	if err := c.client.Call("Checkforge.Reset", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Describe fetches a single item.
func (c *Client) Describe(req DescribeRequest) (*DescribeResponse, error) {
	var resp DescribeResponse
	if err := c.client.Call("Checkforge.Describe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List fetches items, optionally filtered by status.
func (c *Client) List(req ListRequest) (*ListResponse, error) {
	var resp ListResponse
	if err := c.client.Call("Checkforge.List", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History fetches stage results across all attempts of an item.
func (c *Client) History(req HistoryRequest) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.client.Call("Checkforge.History", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events fetches progress events after a cursor, optionally blocking until
// new events arrive.
func (c *Client) Events(req EventsRequest) (*EventsResponse, error) {
	var resp EventsResponse
	if err := c.client.Call("Checkforge.Events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Checkforge.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health retrieves detailed store diagnostics.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.client.Call("Checkforge.Health", HealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stale lists non-terminal items with no recent progress.
func (c *Client) Stale() (*StaleResponse, error) {
	var resp StaleResponse
	if err := c.client.Call("Checkforge.Stale", StaleRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to halt background processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Checkforge.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
