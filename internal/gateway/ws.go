package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/majackson2003/walkie-talkie-mvp/internal/cid"
	"github.com/majackson2003/walkie-talkie-mvp/internal/idgen"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// Ping/pong and write timing. Tests shorten these.
var (
	PingInterval     = 30 * time.Second
	PongTimeout      = 10 * time.Second
	PingWriteTimeout = 5 * time.Second
	WriteTimeout     = 10 * time.Second
)

// wsClient is the server side of one websocket session. Frames queued with
// Send are written by a dedicated goroutine.
type wsClient struct {
	id   string
	send chan protocol.Frame
	done chan struct{}
	once sync.Once
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(f protocol.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// ServeWS upgrades the request and runs the session until the peer goes away,
// stops answering pings or the gateway is closed.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(g.cfg.ReadLimit)

	c := &wsClient{
		id:   idgen.NewConnectionID(),
		send: make(chan protocol.Frame, g.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := g.logger.With("conn_id", c.id, "cid", cid.From(r.Context()))

	if err := g.Register(ctx, c); err != nil {
		logger.Warn("gateway: register failed", "error", err)
		conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	g.track(c.id, cancel)
	logger.Info("gateway: client connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.writePump(ctx, cancel, conn, c)
	}()
	go func() {
		defer wg.Done()
		g.pingLoop(ctx, cancel, conn, c.id)
	}()

	err = g.readPump(ctx, conn, c)
	cancel()
	c.close()
	wg.Wait()

	g.untrack(c.id)
	// The request context is gone by now; the loop still has to release the
	// binding so peers hear about it.
	uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ucancel()
	if uerr := g.Unregister(uctx, c.id); uerr != nil {
		logger.Warn("gateway: unregister failed", "error", uerr)
	}

	status := websocket.CloseStatus(err)
	logger.Info("gateway: client disconnected", "status", status, "error", err)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, c *wsClient) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			g.reply(c, protocol.Frame{Event: "binary"}, nil, protocol.Errorf(protocol.CodeInvalidPayload, "binary frames are not supported"))
			continue
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			g.reply(c, protocol.Frame{ID: f.ID}, nil, protocol.Errorf(protocol.CodeInvalidPayload, "frame is not a valid envelope"))
			continue
		}
		if err := g.Handle(ctx, c, f); err != nil {
			return err
		}
	}
}

func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *wsClient) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, conn, f)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.logger.Warn("gateway: write failed", "conn_id", c.id, "event", f.Event, "error", err)
				}
				return
			}
		}
	}
}

// pingLoop cancels the session when a ping is not answered within
// PongTimeout.
func (g *Gateway) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, PongTimeout+PingWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("gateway: pong timeout, closing", "conn_id", id, "error", err)
				}
				cancel()
				return
			}
		}
	}
}
