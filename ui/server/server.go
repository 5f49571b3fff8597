// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Package server implements a small web dashboard for a postpone
// manager. It serves static assets from the public directory and pushes
// queue state to browsers over a websocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/postpone-queue/postpone"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	m       *postpone.Manager
	logger  *slog.Logger
	refresh time.Duration
	hub     *hub
}

// ServerOption is an options provider for Server.
type ServerOption func(*Server)

// SetLogger specifies the logger for the dashboard.
func SetLogger(logger *slog.Logger) ServerOption {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// SetRefreshInterval specifies how often the queue state is pushed to
// connected browsers.
func SetRefreshInterval(d time.Duration) ServerOption {
	return func(srv *Server) {
		if d > 0 {
			srv.refresh = d
		}
	}
}

// New initializes a new Server.
func New(m *postpone.Manager, options ...ServerOption) *Server {
	srv := &Server{
		m:       m,
		logger:  slog.Default(),
		refresh: 1 * time.Second,
		hub:     newHub(),
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Serve initializes the mux and starts the web server at the given
// address. It blocks until the listener fails.
func (srv *Server) Serve(addr string) error {
	r := http.NewServeMux()
	r.HandleFunc("/ws", srv.serveWS)
	r.Handle("/", http.FileServer(http.Dir("public")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.run(ctx)
	go srv.watch(ctx)
	return http.ListenAndServe(addr, r)
}

// State is the current state of the job queue as sent to browsers.
type State struct {
	Type      string                 `json:"type"`
	Queues    []*postpone.QueueStats `json:"queues,omitempty"`
	Tasks     []*postpone.TaskStats  `json:"tasks,omitempty"`
	Todo      []*postpone.Job        `json:"todo,omitempty"`
	Doing     []*postpone.Job        `json:"doing,omitempty"`
	Succeeded []*postpone.Job        `json:"succeeded,omitempty"`
	Failed    []*postpone.Job        `json:"failed,omitempty"`
}

// watch periodically collects queue state and broadcasts it to all
// connected clients.
func (srv *Server) watch(ctx context.Context) {
	t := time.NewTicker(srv.refresh)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			state, err := srv.collect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				srv.logger.Warn("collecting queue state failed", slog.Any("error", err))
				continue
			}
			payload, err := json.Marshal(state)
			if err != nil {
				srv.logger.Warn("encoding queue state failed", slog.Any("error", err))
				continue
			}
			select {
			case srv.hub.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (srv *Server) collect(ctx context.Context) (*State, error) {
	state := &State{Type: "SET_STATE"}
	var err error
	state.Queues, err = srv.m.ListQueues(ctx, &postpone.StatsRequest{})
	if err != nil {
		return nil, err
	}
	state.Tasks, err = srv.m.ListTasks(ctx, &postpone.StatsRequest{})
	if err != nil {
		return nil, err
	}
	for _, status := range []postpone.Status{
		postpone.StatusTodo,
		postpone.StatusDoing,
		postpone.StatusSucceeded,
		postpone.StatusFailed,
	} {
		jobs, err := srv.m.ListJobs(ctx, &postpone.ListJobsRequest{Status: status})
		if err != nil {
			return nil, err
		}
		switch status {
		case postpone.StatusTodo:
			state.Todo = jobs
		case postpone.StatusDoing:
			state.Doing = jobs
		case postpone.StatusSucceeded:
			state.Succeeded = jobs
		case postpone.StatusFailed:
			state.Failed = jobs
		}
	}
	return state, nil
}
