package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/enroll"
)

// errNoWork is returned by Enroll on 204
var errNoWork = errors.New("no work")

// StatusError is a non-2xx API response
type StatusError struct {
	Status int
	Code   string
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Msg)
}

// Client talks to one or more conveyor nodes with round-robin distribution.
type Client struct {
	http    *http.Client
	hosts   []string
	key     string
	counter uint64
}

// NewClient creates a client across the given base URLs.
func NewClient(hosts []string, key string, timeout time.Duration) (*Client, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided")
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		hosts: hosts,
		key:   key,
	}, nil
}

func (c *Client) host() string {
	idx := atomic.AddUint64(&c.counter, 1) % uint64(len(c.hosts))
	return c.hosts[idx]
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host()+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Code: apiErr.Code, Msg: apiErr.Error}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Dispatch appends a pending event
func (c *Client) Dispatch(ctx context.Context, topic string, payload map[string]interface{}) (*db.Event, error) {
	var ev db.Event
	_, err := c.do(ctx, http.MethodPost, "/api/events", map[string]interface{}{
		"topic":   topic,
		"payload": payload,
	}, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Enroll claims a job, returning errNoWork when the queue is empty
func (c *Client) Enroll(ctx context.Context, req map[string]interface{}) (*enroll.Job, error) {
	var job enroll.Job
	status, err := c.do(ctx, http.MethodPost, "/api/enroll", req, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, errNoWork
	}
	return &job, nil
}

// ReportStatus reports a claim's outcome
func (c *Client) ReportStatus(ctx context.Context, jobID string, status db.Status) error {
	_, err := c.do(ctx, http.MethodPost, "/api/events/"+jobID+"/status", map[string]string{
		"status": string(status),
	}, nil)
	return err
}

// IsUnavailable reports whether err is a backpressure refusal
func IsUnavailable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusServiceUnavailable
}
