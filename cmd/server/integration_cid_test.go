package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
)

// TestCIDPropagationIntegration checks that a CID attached to the dialing
// context reaches the server on the upgrade request.
func TestCIDPropagationIntegration(t *testing.T) {
	router := gin.New()
	var receivedCID string
	// A non-101 response is enough; the header arrives before the upgrade.
	router.GET("/ws", func(c *gin.Context) {
		receivedCID = c.GetHeader(cidpkg.HeaderName)
		c.String(400, "no-upgrade")
	})

	ts := httptest.NewServer(router)
	defer ts.Close()

	cid := ksuid.New().String()
	ctx := cidpkg.With(context.Background(), cid)
	headers := http.Header{"User-Agent": {"integration-test/1.0"}}
	cidpkg.SetHeader(headers, ctx)

	_, _, _ = websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", &websocket.DialOptions{HTTPHeader: headers})

	if receivedCID != cid {
		t.Fatalf("expected server to receive CID %s, got %q", cid, receivedCID)
	}
}
