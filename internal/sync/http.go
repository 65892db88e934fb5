package sync

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
	"unicode/utf8"

	"github.com/lumen-chat/chatsync/internal/schema"
)

// DefaultRequestTimeout bounds a single exchange attempt.
const DefaultRequestTimeout = 30 * time.Second

// maxResponseBytes caps the size of a response body.
const maxResponseBytes = 64 << 20

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
// An empty StaticToken sends no Authorization header.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// HTTPTransport exchanges sync payloads with the remote over HTTP.
type HTTPTransport struct {
	endpoint string
	tokens   TokenSource
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPTransport creates a transport posting to <endpoint>/sync.
// A zero timeout uses DefaultRequestTimeout.
func NewHTTPTransport(endpoint string, tokens TokenSource, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		tokens:   tokens,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// WithClient replaces the underlying HTTP client.
func (t *HTTPTransport) WithClient(client *http.Client) *HTTPTransport {
	t.client = client
	return t
}

// Endpoint returns the base URL requests are sent to.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// Exchange implements Transport.
//
// Once issued, a request is not interrupted by cancellation of ctx; it is
// bounded by the per-attempt timeout instead. Callers check ctx afterwards.
func (t *HTTPTransport) Exchange(ctx context.Context, req *schema.SyncRequest) (*schema.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Message: "failed to encode request", Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, t.endpoint+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if t.tokens != nil {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			return nil, &ProtocolError{Message: "failed to obtain auth token", Err: err}
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	case resp.StatusCode >= 400:
		code, msg := errorFields(data)
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Code: code, Message: msg}
	case resp.StatusCode != http.StatusOK:
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Message: "unexpected status"}
	}

	out, err := schema.DecodeSyncResponse(data)
	if err != nil {
		var remote *schema.RemoteError
		if errors.As(err, &remote) {
			return nil, &ProtocolError{StatusCode: resp.StatusCode, Code: remote.Code, Message: remote.Message, Err: err}
		}
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Err: err}
	}
	return out, nil
}

func errorFields(data []byte) (code, message string) {
	var body schema.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return "", truncate(strings.TrimSpace(string(data)), maxErrorBody)
	}
	return body.Error, body.Message
}

// maxErrorBody bounds the bytes of a non-JSON error body kept in errors.
const maxErrorBody = 200

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func errorMessage(data []byte) string {
	code, msg := errorFields(data)
	switch {
	case code != "" && msg != "":
		return code + ": " + msg
	case code != "":
		return code
	default:
		return msg
	}
}
