// Package rpcclient implements the JSON peer RPC surface Atlas consumes:
// ping, get_zonefile_inventory, get_atlas_peers, get_zonefiles and
// put_zonefiles, each timeout-bounded and tolerant of transport errors.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/blockstack/atlas/pkg/syncmap"
)

// failureCooldown is how long a peer that just failed a call is skipped
// without retrying the transport, so one unreachable peer doesn't eat a
// full dial+timeout on every worker pass that happens to target it.
const failureCooldown = 5 * time.Second

// Client issues JSON-RPC calls against a single peer's host:port.
type Client struct {
	client *http.Client
	log    *slog.Logger

	lastFailure *syncmap.Map[string, time.Time]
}

// New returns a Client tuned the way the teacher's HTTPTracker tunes its
// transport: bounded idle connections, bounded handshake/response latency.
func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	return &Client{
		client:      &http.Client{Transport: transport},
		log:         log,
		lastFailure: syncmap.New[string, time.Time](),
	}
}

type rpcEnvelope struct {
	Status bool   `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) call(ctx context.Context, hostport, method string, timeout time.Duration, params any, out any) error {
	if failedAt, ok := c.lastFailure.Get(hostport); ok && time.Since(failedAt) < failureCooldown {
		return fmt.Errorf("peer %s in failure cooldown", hostport)
	}

	requestID := uuid.NewString()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(params); err != nil {
		return errors.Wrapf(err, "marshal %s request", method)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/%s", hostport, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := c.client.Do(req)
	lat := time.Since(start)
	if err != nil {
		c.log.Debug("rpc.transport_error", "method", method, "peer", hostport, "request_id", requestID, "latency", lat, "err", err)
		c.lastFailure.Put(hostport, time.Now())
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.log.Debug("rpc.body_read_error", "method", method, "peer", hostport, "request_id", requestID, "err", err)
		return err
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.log.Warn("rpc.malformed_response", "method", method, "peer", hostport, "request_id", requestID, "err", err)
		return fmt.Errorf("malformed response from %s: %w", hostport, err)
	}
	if envelope.Error != "" {
		c.log.Debug("rpc.peer_error", "method", method, "peer", hostport, "request_id", requestID, "peer_error", envelope.Error)
		return fmt.Errorf("peer %s returned error: %s", hostport, envelope.Error)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.log.Warn("rpc.malformed_response", "method", method, "peer", hostport, "request_id", requestID, "err", err)
			return fmt.Errorf("malformed response from %s: %w", hostport, err)
		}
	}

	c.log.Debug("rpc.ok", "method", method, "peer", hostport, "request_id", requestID, "latency", lat)
	c.lastFailure.Delete(hostport)

	return nil
}

// Ping issues a bare liveness probe. 3s timeout per §5.
func (c *Client) Ping(ctx context.Context, hostport string, timeout time.Duration) error {
	var out struct {
		Status bool `json:"status"`
	}
	return c.call(ctx, hostport, "ping", timeout, struct{}{}, &out)
}

// GetZonefileInventory fetches the inventory bits covering the block window
// [start, end], both ends inclusive (the health checker passes its window's
// last block as end).
// The wire payload is base64; decoding is the caller's responsibility via
// pkg/bitfield.DecodeBase64.
func (c *Client) GetZonefileInventory(ctx context.Context, hostport string, start, end int64, timeout time.Duration) (string, error) {
	req := struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	}{Start: start, End: end}

	var out struct {
		Status bool   `json:"status"`
		Inv    string `json:"inv"`
	}
	if err := c.call(ctx, hostport, "get_zonefile_inventory", timeout, req, &out); err != nil {
		return "", err
	}

	return out.Inv, nil
}

// GetAtlasPeers asks hostport for its rarest-first neighbor list, truncated
// server-side to NUM_NEIGHBORS.
func (c *Client) GetAtlasPeers(ctx context.Context, hostport, myHostPort string, timeout time.Duration) ([]string, error) {
	req := struct {
		MyHostPort string `json:"my_hostport"`
	}{MyHostPort: myHostPort}

	var out struct {
		Status bool     `json:"status"`
		Peers  []string `json:"peers"`
	}
	if err := c.call(ctx, hostport, "get_atlas_peers", timeout, req, &out); err != nil {
		return nil, err
	}

	return out.Peers, nil
}

// GetZonefiles requests the content for a batch of hashes. The caller must
// validate each returned payload hashes to its key and drop unsolicited
// entries (§4.8).
func (c *Client) GetZonefiles(ctx context.Context, hostport string, hashes []string, timeout time.Duration) (map[string][]byte, error) {
	req := struct {
		Hashes []string `json:"hashes"`
	}{Hashes: hashes}

	var out struct {
		Status    bool              `json:"status"`
		Zonefiles map[string]string `json:"zonefiles"`
	}
	if err := c.call(ctx, hostport, "get_zonefiles", timeout, req, &out); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(out.Zonefiles))
	for hash, encoded := range out.Zonefiles {
		result[hash] = []byte(encoded)
	}

	return result, nil
}

// PutZonefiles pushes a batch of (hash, bytes) zonefiles to hostport.
func (c *Client) PutZonefiles(ctx context.Context, hostport string, items map[string][]byte, timeout time.Duration) error {
	encoded := make(map[string]string, len(items))
	for hash, b := range items {
		encoded[hash] = string(b)
	}

	req := struct {
		Zonefiles map[string]string `json:"zonefiles"`
	}{Zonefiles: encoded}

	return c.call(ctx, hostport, "put_zonefiles", timeout, req, nil)
}
