// Package dagnode is a thin HTTP client for a blockDAG node's REST API. The
// client only reads: the write path goes through an external signer.
package dagnode

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Transaction is one entry of an address's transaction window, with the
// payload already hex-decoded once.
type Transaction struct {
	ID            string
	Payload       []byte
	AuthorAddress string
	ObservedAt    time.Time
}

// wire shapes; the node returns more fields than these, the rest are ignored.
type txEntry struct {
	TransactionID string    `json:"transaction_id"`
	Payload       string    `json:"payload"`
	BlockTime     int64     `json:"block_time"`
	Inputs        []txInput `json:"inputs"`
}

type txInput struct {
	PreviousOutpointAddress string `json:"previous_outpoint_address"`
}

// FullTransactions fetches the newest-first window of an address's history,
// bounded to limit entries. Entries without a payload, or whose payload field
// is not valid hex, are dropped; every surviving entry keeps the node's
// newest-first order.
func (c *Client) FullTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("resolve_previous_outpoints", "light")

	body, status, err := c.get(ctx, "/addresses/"+url.PathEscape(address)+"/full-transactions", q)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, httpError(status, body)
	}

	var entries []txEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode transactions for %s: %w", address, err)
	}

	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		if e.TransactionID == "" || e.Payload == "" {
			continue
		}
		payload, err := hex.DecodeString(e.Payload)
		if err != nil {
			continue
		}
		tx := Transaction{
			ID:      e.TransactionID,
			Payload: payload,
		}
		if e.BlockTime > 0 {
			// block_time is reported in milliseconds.
			tx.ObservedAt = time.UnixMilli(e.BlockTime).UTC()
		}
		if len(e.Inputs) > 0 {
			tx.AuthorAddress = e.Inputs[0].PreviousOutpointAddress
		}
		out = append(out, tx)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, apiPath string, q url.Values) (body []byte, status int, err error) {
	fullURL := c.BaseURL + apiPath
	if len(q) > 0 {
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	b, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if readErr != nil {
		return nil, resp.StatusCode, readErr
	}
	return b, resp.StatusCode, nil
}

func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "empty response"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("dagnode http %d: %s", status, msg)
}
