package connmgr

import "context"

// Credentials authenticate a streaming session.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Session is one live streaming connection. Read blocks until the next raw
// frame, the session dies, or the context is cancelled.
type Session interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport dials streaming sessions. Implementations own the wire
// protocol; the manager only sees raw frames.
type Transport interface {
	Dial(ctx context.Context, url string, creds Credentials) (Session, error)
}
