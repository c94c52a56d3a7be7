// Package transport provides the WebSocket session implementation behind
// the connection manager. It handles one dial at a time; reconnection
// policy belongs to the caller.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/connmgr"
)

const (
	// Most venues limit control messages (SUBSCRIBE/UNSUBSCRIBE) per
	// connection; 4/s stays under every limit we have seen.
	controlMessageRate = 250 * time.Millisecond
	dialTimeout        = 10 * time.Second
	controlWriteWindow = 5 * time.Second
)

// WS dials WebSocket endpoints and wraps each connection in a Session.
type WS struct {
	// Header is attached to the dial request; useful for venue API keys
	// that travel as headers rather than query parameters.
	Header http.Header
}

type controlRequest struct {
	Op     string   `json:"op"`
	Args   []string `json:"args"`
	ID     uint64   `json:"id"`
	APIKey string   `json:"apiKey,omitempty"`
}

type controlResponse struct {
	ID    uint64 `json:"id"`
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

// Dial establishes a single WebSocket connection. Authentication and
// rate-limit rejections are classified so the caller can decide whether
// the failure is worth retrying.
func (w *WS) Dial(ctx context.Context, url string, creds connmgr.Credentials) (connmgr.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: w.Header})
	if err != nil {
		return nil, classifyDialError(resp, err)
	}
	// Streamed payloads can be large; the library default of 32KiB is
	// too small for full order book snapshots.
	conn.SetReadLimit(1 << 20)

	s := new(wsSession)
	s.conn = conn
	s.creds = creds
	s.control = rate.NewLimiter(rate.Every(controlMessageRate), 1)
	return s, nil
}

func classifyDialError(resp *http.Response, err error) error {
	code := errs.CodeNetwork
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errs.CodeAuth
		case http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		}
	}
	e := errs.New("transport", code, errs.WithMessage("websocket dial failed"), errs.WithCause(err))
	if code == errs.CodeRateLimited && resp != nil {
		if retry, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e = errs.New("transport", code,
				errs.WithMessage("websocket dial rate limited"),
				errs.WithCause(err),
				errs.WithRetryAfter(retry))
		}
	}
	return e
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// An absent header or the HTTP-date form yields no hint; the caller then
// falls back to its backoff schedule.
func parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

type wsSession struct {
	conn    *websocket.Conn
	creds   connmgr.Credentials
	control *rate.Limiter
	msgID   atomic.Uint64
}

func (s *wsSession) Subscribe(ctx context.Context, symbol string) error {
	return s.sendControl(ctx, "subscribe", symbol)
}

func (s *wsSession) Unsubscribe(ctx context.Context, symbol string) error {
	return s.sendControl(ctx, "unsubscribe", symbol)
}

// sendControl writes one paced control frame. The limiter spaces writes
// so a burst of subscriptions cannot trip venue control-message limits.
func (s *wsSession) sendControl(ctx context.Context, op, symbol string) error {
	if err := s.control.Wait(ctx); err != nil {
		return errs.New("transport", errs.CodeNetwork,
			errs.WithMessage("control pacing interrupted"), errs.WithCause(err))
	}

	req := controlRequest{
		Op:     op,
		Args:   []string{symbol},
		ID:     s.msgID.Add(1),
		APIKey: s.creds.APIKey,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errs.New("transport", errs.CodeInvalid,
			errs.WithMessage("marshal "+op+" request"), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, controlWriteWindow)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport", errs.CodeNetwork,
			errs.WithMessage("write "+op+" request"), errs.WithCause(err))
	}
	return nil
}

// Read returns the next data frame. Control acknowledgements are consumed
// here; an ack carrying a venue error surfaces as a protocol error so the
// caller drops it without ending the stream.
func (s *wsSession) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifyReadError(err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				return nil, errs.New("transport", errs.CodeProtocol,
					errs.WithMessage("control request rejected: "+resp.Error.Msg))
			}
			continue
		}
		return data, nil
	}
}

func classifyReadError(err error) error {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusPolicyViolation {
		return errs.New("transport", errs.CodeAuth,
			errs.WithMessage("connection closed by policy"), errs.WithCause(err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errs.New("transport", errs.CodeNetwork,
		errs.WithMessage("websocket read failed"), errs.WithCause(err))
}

func (s *wsSession) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
