package httpsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"go.uber.org/zap"
)

const (
	eventMessage   = "message"
	maxEventBytes  = 8 << 20
	fieldEventName = "event:"
	fieldEventData = "data:"
)

var errMissingSession = errors.New("httpsync: database id and session id are required")

// StreamConfig wires a streaming session.
type StreamConfig struct {
	ServerURL  string
	Token      string
	DBID       protocol.SiteID
	SessionID  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Transport is the client half of a streaming session. Register opens the
// event stream; Send posts one message per request.
type Transport struct {
	eventsURL   string
	messagesURL string
	token       string
	httpClient  *http.Client
	logger      *zap.Logger

	mu      sync.Mutex
	handler replication.Handler
	done    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial prepares a session transport. No connection is made until Register.
func Dial(cfg StreamConfig) (*Transport, error) {
	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		return nil, errMissingServerURL
	}
	sessionID := strings.TrimSpace(cfg.SessionID)
	if cfg.DBID.IsZero() || sessionID == "" {
		return nil, errMissingSession
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := fmt.Sprintf("%s/v1/dbs/%s/sessions/%s", serverURL, cfg.DBID, url.PathEscape(sessionID))
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		eventsURL:   base + "/events",
		messagesURL: base + "/messages",
		token:       cfg.Token,
		httpClient:  httpClient,
		logger:      logger.With(zap.String("session", sessionID)),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Send posts one message to the server side of the session.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	if t.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	response, err := postMessage(ctx, t.httpClient, t.messagesURL, t.token, msg)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone:
		return replication.ErrTransportClosed
	default:
		return statusError(response)
	}
}

// Register opens the event stream and dispatches its messages to handler
// from one goroutine. It returns once the server has accepted the session.
func (t *Transport) Register(handler replication.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return replication.ErrTransportClosed
	}
	if t.handler != nil {
		return replication.ErrHandlerRegistered
	}

	request, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.eventsURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("httpsync: build events request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	setBearer(request, t.token)
	response, err := t.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("httpsync: open events: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return statusError(response)
	}

	t.handler = handler
	t.done = make(chan struct{})
	go t.readEvents(response.Body, handler, t.done)
	t.logger.Info("event stream opened")
	return nil
}

// Close ends the session and waits for the dispatch goroutine. It must not
// be called from inside a handler.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		if done != nil {
			<-done
		}
	})
	return nil
}

// Done is closed when the event stream ends.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Transport) readEvents(body io.ReadCloser, handler replication.Handler, done chan struct{}) {
	defer close(done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == eventMessage && data.Len() > 0 {
				t.dispatch(handler, data.String())
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, fieldEventName):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, fieldEventName))
		case strings.HasPrefix(line, fieldEventData):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, fieldEventData), " "))
		}
	}
	if err := scanner.Err(); err != nil && t.ctx.Err() == nil {
		t.logger.Warn("event stream failed", zap.Error(err))
		return
	}
	t.logger.Info("event stream closed")
}

func (t *Transport) dispatch(handler replication.Handler, payload string) {
	msg, err := protocol.Decode([]byte(payload))
	if err != nil {
		t.logger.Warn("dropping undecodable event", zap.Error(err))
		return
	}
	if err := replication.Dispatch(t.ctx, handler, msg); err != nil && t.ctx.Err() == nil {
		t.logger.Warn("session handler failed", zap.Stringer("tag", msg.Tag()), zap.Error(err))
	}
}
