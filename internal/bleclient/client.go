// Package bleclient is the outbound half of the wireless adapter boundary
// (§4.5, §6 "Outbound"): the Forwarder Loop's only egress call, a single
// POST per drained chunk with a bounded timeout.
package bleclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Client posts drained envelopes to the BLE adapter's ingress endpoint.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a Client against baseURL using httpClient (a zero-value
// http.Client when nil). Each send is bounded by the caller's context and
// by whatever Timeout httpClient itself carries.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

type sendChunkRequest struct {
	Chunk      json.RawMessage `json:"chunk"`
	TargetPeer string          `json:"target_peer,omitempty"`
}

type sendChunkResponse struct {
	Queued bool `json:"queued"`
}

// SendChunk POSTs <BASE>/v1/ble/send_chunk with the canonical envelope and
// an optional target peer hint (§6 "Outbound"). Any non-200 response or
// transport error is reported as a plain error; the caller (the forwarder)
// is responsible for turning that into a retry increment.
func (c *Client) SendChunk(ctx context.Context, envelopeJSON []byte, targetPeerFP string) error {
	body, err := json.Marshal(sendChunkRequest{Chunk: envelopeJSON, TargetPeer: targetPeerFP})
	if err != nil {
		return fmt.Errorf("bleclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/ble/send_chunk", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bleclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("bleclient: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bleclient: adapter responded %d", resp.StatusCode)
	}

	var out sendChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A 200 with an unparsable body is still a delivered chunk as far
		// as the adapter contract is concerned; §4.5 only keys off status.
		return nil
	}
	return nil
}
