// Package testutil holds in-memory doubles shared by the server package tests.
package testutil

import (
	"encoding/json"
	"sync"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// Conn records every frame queued for it. Setting Full makes Send refuse
// frames like a saturated send buffer.
type Conn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Frame
	full   bool
}

func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, f)
	return true
}

func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// Frames returns the recorded frames with the given event, or all frames when
// event is empty.
func (c *Conn) Frames(event string) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, f := range c.frames {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Decode unmarshals the payload of the last frame with the given event into v
// and reports whether one was found.
func (c *Conn) Decode(event string, v any) bool {
	frames := c.Frames(event)
	if len(frames) == 0 {
		return false
	}
	return json.Unmarshal(frames[len(frames)-1].Payload, v) == nil
}
