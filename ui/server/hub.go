// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package server

import "context"

// hub keeps track of connected websocket clients and fans broadcast
// payloads out to them.
type hub struct {
	connections map[*connection]bool
	broadcast   chan []byte
	register    chan *connection
	unregister  chan *connection
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte, 16),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.connections {
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if h.connections[c] {
				delete(h.connections, c)
				close(c.send)
			}
		case payload := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- payload:
				default:
					// Slow client; drop it.
					delete(h.connections, c)
					close(c.send)
				}
			}
		}
	}
}
