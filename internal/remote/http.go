package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "smartcal/internal/log"
	"smartcal/internal/model"
)

const DefaultTimeout = 15 * time.Second

// Options configures an HTTPClient.
type Options struct {
	BaseURL    string
	CalendarID string
	Token      string
	Timeout    time.Duration
}

// HTTPClient speaks a small JSON REST dialect:
//
//	GET    {base}/calendars/{cal}/events?timeMin=..&timeMax=..
//	POST   {base}/calendars/{cal}/events
//	PUT    {base}/calendars/{cal}/events/{id}
//	DELETE {base}/calendars/{cal}/events/{id}
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote base url is empty")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("remote base url: %w", err)
	}
	cal := opts.CalendarID
	if cal == "" {
		cal = "primary"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &HTTPClient{
		base:  strings.TrimRight(opts.BaseURL, "/") + "/calendars/" + url.PathEscape(cal) + "/events",
		token: opts.Token,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

type listResponse struct {
	Items []model.RemoteEvent `json:"items"`
}

func (c *HTTPClient) ListEvents(ctx context.Context, from, to time.Time) ([]model.RemoteEvent, error) {
	q := url.Values{}
	q.Set("timeMin", from.UTC().Format(time.RFC3339))
	q.Set("timeMax", to.UTC().Format(time.RFC3339))

	var out listResponse
	if err := c.do(ctx, "list", http.MethodGet, c.base+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) Create(ctx context.Context, ev model.RemoteEvent) (model.RemoteEvent, error) {
	ev.ID = ""
	var out model.RemoteEvent
	if err := c.do(ctx, "create", http.MethodPost, c.base, ev, &out); err != nil {
		return model.RemoteEvent{}, err
	}
	if out.ID == "" {
		return model.RemoteEvent{}, &Error{Op: "create", Err: errors.New("response carries no event id")}
	}
	return out, nil
}

func (c *HTTPClient) Update(ctx context.Context, ev model.RemoteEvent) (model.RemoteEvent, error) {
	if ev.ID == "" {
		return model.RemoteEvent{}, &Error{Op: "update", Err: errors.New("event id is empty")}
	}
	var out model.RemoteEvent
	if err := c.do(ctx, "update", http.MethodPut, c.base+"/"+url.PathEscape(ev.ID), ev, &out); err != nil {
		return model.RemoteEvent{}, err
	}
	if out.ID == "" {
		out = ev
	}
	return out, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, "delete", http.MethodDelete, c.base+"/"+url.PathEscape(id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Op: op, Err: ctx.Err()}
		}
		return &Error{Op: op, Err: err, transient: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: err, transient: true}
	}

	appLog.Debug("remote call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = resp.Status
		}
		return classify(op, resp.StatusCode, errors.New(msg))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
