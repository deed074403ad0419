// Package transport is the default wire layer of the SEPA client:
// query/update requests over HTTP, subscription channels over WebSocket,
// and the OAuth registration/token path for secure requests.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arces-wot/gosepa/internal/logging"
	"github.com/arces-wot/gosepa/pkg/protocol"
	"github.com/arces-wot/gosepa/pkg/sap"
)

// Config contains transport configuration
type Config struct {
	// HTTP round-trip timeout
	Timeout time.Duration

	// Skip TLS certificate verification on the secure path
	InsecureTLS bool
}

// Transport is the default client.Transport implementation
type Transport struct {
	doc        *sap.Document
	httpClient *http.Client
	dialer     *websocket.Dialer
	security   *security
	logger     zerolog.Logger
}

// New creates a transport bound to the endpoints of a profile document
func New(doc *sap.Document, cfg Config) *Transport {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			Proxy:           http.ProxyFromEnvironment,
		},
	}

	logger := logging.Component("transport")

	return &Transport{
		doc:        doc,
		httpClient: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		security: newSecurity(doc, httpClient, logger),
		logger:   logger,
	}
}

// Request performs one SPARQL query/update round trip. Broker failures
// (non-2xx) are returned as *protocol.ErrorBody errors; there are no
// retries at this layer.
func (t *Transport) Request(ctx context.Context, endpoint string, req *sap.ResolvedRequest, secure bool) ([]byte, error) {
	contentType := "application/sparql-update"
	if req.Kind == sap.KindQuery {
		contentType = "application/sparql-query"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(req.Text))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	if secure {
		token, err := t.security.token(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && secure {
		// the cached token is stale; the next secure request fetches a
		// fresh one
		t.security.invalidate()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, brokerError(resp.StatusCode, body)
	}
	return body, nil
}

// OpenChannel dials the broker's subscription endpoint and returns the
// channel wrapping the WebSocket connection
func (t *Transport) OpenChannel(ctx context.Context, endpoint string, secure bool) (*WSChannel, error) {
	var token string
	if secure {
		var err error
		token, err = t.security.token(ctx)
		if err != nil {
			return nil, err
		}
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	return newWSChannel(conn, token, t.logger), nil
}

// brokerError shapes a non-2xx response into a *protocol.ErrorBody,
// keeping whatever structure the broker provided
func brokerError(status int, body []byte) error {
	if msg, err := protocol.Decode(body); err == nil && msg.Error != nil {
		if msg.Error.StatusCode == 0 {
			msg.Error.StatusCode = status
		}
		return msg.Error
	}
	return &protocol.ErrorBody{
		StatusCode: status,
		Title:      http.StatusText(status),
		Detail:     strings.TrimSpace(string(body)),
	}
}
