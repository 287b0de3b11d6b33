// Package httpsync carries the sync protocol over the server's HTTP surface:
// request/response calls go through the RPC route, and a streaming session
// pairs a server-sent event stream with per-message POSTs.
package httpsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"go.uber.org/zap"
)

const (
	rpcPath        = "/v1/rpc"
	contentTypeKey = "Content-Type"
	jsonType       = "application/json"
	maxErrorBody   = 4 << 10
)

var errMissingServerURL = errors.New("httpsync: server url is required")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpsync: unexpected status %d: %s", e.StatusCode, e.Body)
}

// RPCClient issues request/response protocol calls.
type RPCClient struct {
	serverURL  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRPCClient constructs an RPCClient. A nil httpClient selects http.DefaultClient.
func NewRPCClient(serverURL, token string, httpClient *http.Client, logger *zap.Logger) (*RPCClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if trimmed == "" {
		return nil, errMissingServerURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCClient{serverURL: trimmed, token: token, httpClient: httpClient, logger: logger}, nil
}

// Call sends one request. Requests the server answers without a reply
// return a nil message.
func (c *RPCClient) Call(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	response, err := postMessage(ctx, c.httpClient, c.serverURL+rpcPath, c.token, msg)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		payload, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, fmt.Errorf("httpsync: read reply: %w", err)
		}
		reply, err := protocol.Decode(payload)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("rpc reply", zap.Stringer("request", msg.Tag()), zap.Stringer("reply", reply.Tag()))
		return reply, nil
	default:
		return nil, statusError(response)
	}
}

func postMessage(ctx context.Context, client *http.Client, url, token string, msg protocol.Message) (*http.Response, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("httpsync: build request: %w", err)
	}
	request.Header.Set(contentTypeKey, jsonType)
	setBearer(request, token)
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("httpsync: post %s: %w", msg.Tag(), err)
	}
	return response, nil
}

func setBearer(request *http.Request, token string) {
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func statusError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
}
