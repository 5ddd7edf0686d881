package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// Transport carries frames for one connection. Write may be called
// concurrently with Read and with other Writes.
type Transport interface {
	Read(ctx context.Context) (protocol.Frame, error)
	Write(ctx context.Context, f protocol.Frame) error
	Close() error
}

// Dialer opens a new Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the server's websocket endpoint.
type WSDialer struct {
	URL       string
	UserAgent string
	ReadLimit int64
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) http.Header {
	headers := http.Header{"User-Agent": {userAgent}}
	cidpkg.SetHeader(headers, ctx)
	return headers
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	ua := d.UserAgent
	if ua == "" {
		ua = "walkie-client/0.1.0"
	}
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, ua),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		// An audio-history frame carries up to 50 base64 clips.
		limit = 96 << 20
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	err := wsjson.Read(ctx, t.conn, &f)
	return f, err
}

func (t *wsTransport) Write(ctx context.Context, f protocol.Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
