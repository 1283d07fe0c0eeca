package transport

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

	"github.com/23skdu/longbow-mesh/internal/catalog"
	"github.com/23skdu/longbow-mesh/internal/cluster"
	"github.com/23skdu/longbow-mesh/internal/protocol"
)

// DefaultPollInterval spaces repeated open-model and query polls.
const DefaultPollInterval = 50 * time.Millisecond

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// call sends in as JSON and decodes a 2xx body into out. Non-2xx responses
// become *StatusError.
func call(ctx context.Context, hc *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// Workers is the server's client for worker endpoints.
type Workers struct {
	HTTP *http.Client
}

func NewWorkers() *Workers {
	return &Workers{HTTP: &http.Client{}}
}

// unavailable marks transport failures so the orchestrator can tell them
// from errors a worker reported.
func unavailable(addr string, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", cluster.ErrWorkerUnavailable, addr, err)
}

func (w *Workers) LoadModel(ctx context.Context, addr string, req protocol.LoadModelRequest) error {
	var ack protocol.Acknowledge
	if err := call(ctx, w.HTTP, http.MethodPost, baseURL(addr)+"/v1/load", req, &ack); err != nil {
		return unavailable(addr, err)
	}
	if !ack.OK {
		return fmt.Errorf("load rejected by %s: %s", addr, ack.Error)
	}
	return nil
}

func (w *Workers) Work(ctx context.Context, addr string, req protocol.WorkRequest) (protocol.WorkResult, error) {
	var res protocol.WorkResult
	if err := call(ctx, w.HTTP, http.MethodPost, baseURL(addr)+"/v1/work", req, &res); err != nil {
		return protocol.WorkResult{}, unavailable(addr, err)
	}
	return res, nil
}

// Client talks to the server. Workers use it to join and report loads;
// users use it to open models and query them.
type Client struct {
	HTTP         *http.Client
	PollInterval time.Duration
	base         string
}

func NewClient(server string) *Client {
	return &Client{HTTP: &http.Client{}, PollInterval: DefaultPollInterval, base: baseURL(server)}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return call(ctx, c.HTTP, http.MethodPost, c.base+path, in, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return call(ctx, c.HTTP, http.MethodGet, c.base+path, nil, out)
}

func (c *Client) Join(ctx context.Context, msg protocol.ClientJoined) error {
	return c.post(ctx, "/v1/join", msg, nil)
}

// ModelLoaded reports a finished load task.
func (c *Client) ModelLoaded(ctx context.Context, msg protocol.ModelLoaded) error {
	return c.post(ctx, "/v1/tasks/complete", msg, nil)
}

func (c *Client) OpenModel(ctx context.Context, modelID string, attempt int) (protocol.OpenModelResult, error) {
	var res protocol.OpenModelResult
	err := c.post(ctx, "/v1/models/open", protocol.PollOpenModel{ModelID: modelID, Attempt: attempt}, &res)
	return res, err
}

// WaitModel polls OpenModel until the model is active or failed.
func (c *Client) WaitModel(ctx context.Context, modelID string) error {
	for attempt := 0; ; attempt++ {
		res, err := c.OpenModel(ctx, modelID, attempt)
		if err != nil {
			return err
		}
		if res.Ready {
			return nil
		}
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) StartSession(ctx context.Context) (string, error) {
	var res protocol.SessionStarted
	if err := c.post(ctx, "/v1/sessions", struct{}{}, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (c *Client) SubmitQuery(ctx context.Context, req protocol.QueryRequest) (string, error) {
	var res protocol.QueryAccepted
	if err := c.post(ctx, "/v1/queries", req, &res); err != nil {
		return "", err
	}
	return res.QueryID, nil
}

func (c *Client) PollQuery(ctx context.Context, queryID string, attempt int) (protocol.QueryResult, error) {
	var res protocol.QueryResult
	err := c.post(ctx, "/v1/queries/poll", protocol.PollQueryResult{QueryID: queryID, Attempt: attempt}, &res)
	return res, err
}

// WaitQuery polls a query until it finishes. progress, if set, sees every
// intermediate result. A query that finished with an error returns it.
func (c *Client) WaitQuery(ctx context.Context, queryID string, progress func(protocol.QueryResult)) (protocol.QueryResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.PollQuery(ctx, queryID, attempt)
		if err != nil {
			return res, err
		}
		if progress != nil {
			progress(res)
		}
		if res.Ready {
			if res.Error != "" {
				return res, errors.New(res.Error)
			}
			return res, nil
		}
		if err := c.sleep(ctx); err != nil {
			return res, err
		}
	}
}

// Query submits text and waits for the full result.
func (c *Client) Query(ctx context.Context, req protocol.QueryRequest) (protocol.QueryResult, error) {
	id, err := c.SubmitQuery(ctx, req)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	return c.WaitQuery(ctx, id, nil)
}

func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	err := c.get(ctx, "/v1/models", &out)
	return out, err
}

func (c *Client) sleep(ctx context.Context) error {
	t := time.NewTimer(c.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Catalog lists the models available under the server's model root.
func (c *Client) Catalog(ctx context.Context) ([]catalog.Entry, error) {
	var out []catalog.Entry
	err := c.get(ctx, "/v1/catalog", &out)
	return out, err
}
