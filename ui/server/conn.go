// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/postpone-queue/postpone"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is a middleman between a websocket connection and the hub.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	srv  *Server
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	defer func() {
		c.srv.hub.unregister <- c
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		}
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				c.srv.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			break
		}
		switch msg.Type {
		case "JOB_LOOKUP":
			c.lookup(msg.ID)
		}
	}
}

// lookup resolves a single job by id and broadcasts the result.
func (c *connection) lookup(id int64) {
	var rsp struct {
		Type    string        `json:"type"`
		Message string        `json:"message,omitempty"`
		Job     *postpone.Job `json:"job,omitempty"`
	}
	rsp.Type = "JOB_LOOKUP"

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	jobs, err := c.srv.m.ListJobs(ctx, &postpone.ListJobsRequest{ID: id})
	switch {
	case errors.Is(err, postpone.ErrNotFound) || (err == nil && len(jobs) == 0):
		rsp.Message = "Job already removed"
	case err != nil:
		rsp.Message = "Job cannot be found"
	default:
		rsp.Job = jobs[0]
	}
	payload, _ := json.Marshal(rsp)
	c.srv.hub.broadcast <- payload
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// serveWS handles websocket requests from the peer.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: ws, srv: srv}
	srv.hub.register <- c
	go c.writePump()
	c.readPump()
}
