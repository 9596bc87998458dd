// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookAttempts    = 3
	maxWebhookResponse    = 1 << 20 // 1 MiB
)

// Webhook POSTs a templated JSON payload to an external endpoint. String
// values in the configured payload support `{data:key}`, `{input:key}`,
// `{user:id}`, and `{journey:id}` substitutions. The response body may be
// mapped back into journey data via response_mapping.
type Webhook struct{}

// NewWebhook returns the webhook step handler.
func NewWebhook() *Webhook { return &Webhook{} }

// Type implements journey.Handler.
func (*Webhook) Type() string { return "webhook" }

// Execute implements journey.Handler.
func (h *Webhook) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	url := ec.ConfigString("url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: webhook step %s has no url", journey.ErrStepConfig, ec.Step.ID)
	}
	failOnError := ec.ConfigBool("fail_on_error")

	payload, _ := ec.Config("payload")
	body, err := json.Marshal(substitute(payload, ec))
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	if ec.ConfigBool("fire_and_forget") {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), defaultWebhookTimeout)
			defer cancel()
			if _, err := h.post(bg, ec, url, body); err != nil {
				logger.Errorw("fire-and-forget webhook failed", "url", url, "error", err)
			}
		}()
		return journey.Success(nil), nil
	}

	respBody, err := h.post(ctx, ec, url, body)
	if err != nil {
		if failOnError {
			return journey.Fail("webhook_failed", err.Error()), nil
		}
		logger.Infow("webhook failed, continuing", "url", url, "error", err)
		return journey.Success(nil), nil
	}

	outputs := h.mapResponse(ec, respBody)
	return journey.Success(outputs), nil
}

// post delivers the payload with bounded exponential retries on transport
// errors and 5xx responses.
func (h *Webhook) post(ctx context.Context, ec *journey.ExecutionContext, url string, body []byte) ([]byte, error) {
	client := ec.Capabilities.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	headers, _ := ec.Config("headers")
	headerMap, _ := headers.(map[string]any)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headerMap {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return respBody, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxWebhookAttempts))
}

// mapResponse applies response_mapping (response field -> journey-data key)
// over the webhook's JSON response.
func (*Webhook) mapResponse(ec *journey.ExecutionContext, respBody []byte) map[string]any {
	mapping, _ := ec.Config("response_mapping")
	mappingMap, _ := mapping.(map[string]any)
	if len(mappingMap) == 0 || len(respBody) == 0 {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		logger.Infow("webhook response is not JSON, skipping response mapping", "error", err)
		return nil
	}

	outputs := make(map[string]any)
	for field, target := range mappingMap {
		targetKey, ok := target.(string)
		if !ok {
			continue
		}
		if v, present := parsed[field]; present {
			outputs[targetKey] = v
		}
	}
	return outputs
}

// substitute walks the payload template replacing placeholder tokens inside
// string values.
func substitute(v any, ec *journey.ExecutionContext) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, ec)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substitute(val, ec)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substitute(val, ec)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, ec *journey.ExecutionContext) string {
	if !strings.Contains(s, "{") {
		return s
	}
	replacer := func(prefix string, lookup func(key string) string) {
		for {
			start := strings.Index(s, "{"+prefix+":")
			if start < 0 {
				return
			}
			end := strings.Index(s[start:], "}")
			if end < 0 {
				return
			}
			token := s[start : start+end+1]
			key := token[len(prefix)+2 : len(token)-1]
			s = strings.ReplaceAll(s, token, lookup(key))
		}
	}
	replacer("data", func(key string) string {
		v, _ := ec.Data(key)
		return stringify(v)
	})
	replacer("input", func(key string) string {
		return stringify(ec.Input[key])
	})
	replacer("user", func(key string) string {
		if key == "id" {
			return ec.State.UserID
		}
		u, _ := ec.Data("user")
		m, _ := u.(map[string]any)
		return stringify(m[key])
	})
	replacer("journey", func(key string) string {
		if key == "id" {
			return ec.State.ID
		}
		return ""
	})
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
