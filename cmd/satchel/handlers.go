package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/offlinefirst/satchel/internal/queue"
)

// httpRequestOp is the payload shape for the built-in http_request type.
// It lets spooled operations describe an arbitrary API call to replay.
type httpRequestOp struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// registerBuiltinHandlers wires the operation types the daemon and CLI
// understand without application code. Applications embedding the queue
// register their own typed handlers instead.
func registerBuiltinHandlers(q *queue.Queue) {
	client := &http.Client{Timeout: 30 * time.Second}

	q.RegisterHandler("http_request", func(ctx context.Context, payload json.RawMessage) error {
		var op httpRequestOp
		if err := json.Unmarshal(payload, &op); err != nil {
			return fmt.Errorf("invalid http_request payload: %w", err)
		}
		if op.Method == "" {
			op.Method = http.MethodPost
		}

		req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, bytes.NewReader(op.Body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if len(op.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range op.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		// 5xx is retryable; 4xx means the operation itself is bad and
		// retrying will not help, but the queue's retry ceiling still
		// bounds it either way.
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return nil
	})
}
