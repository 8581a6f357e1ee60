// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Transport carries one encoded PKIMessage to the peer and returns the
// peer's encoded reply. Retries are the transport's own business; the
// session never retries.
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// ContentType is the conventional media type for CMP over HTTP.
const ContentType = "application/pkixcmp"

// maxMessageSize bounds a peer response; a CMP message has no business
// being megabytes long.
const maxMessageSize = 1 << 20

// HTTPTransport POSTs PKI messages to a fixed endpoint.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// RoundTrip implements Transport. The caller's context carries the
// session's timeout budget.
func (t *HTTPTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("building CMP request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errWrap(Timeout, err, "no response within the timeout budget")
		}
		return nil, fmt.Errorf("sending CMP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errf(Failed, "server returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errWrap(Timeout, err, "response truncated by the timeout budget")
		}
		return nil, fmt.Errorf("reading CMP response: %w", err)
	}
	if len(body) > maxMessageSize {
		return nil, errf(BadData, "response larger than %d bytes", maxMessageSize)
	}
	return body, nil
}
