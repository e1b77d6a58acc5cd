// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"anomaly-sentinel/logger"
	"anomaly-sentinel/metrics"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before it is dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	maxMessageSize = 512
)

// StreamConfig configures the WebSocket streaming endpoint.
type StreamConfig struct {
	MaxClients  int
	SendBuffer  int
	CorsOrigins []string
}

// DefaultStreamConfig returns the streaming defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxClients: 100,
		SendBuffer: 64,
	}
}

// StreamServer bridges the hub to WebSocket clients. Each connection is one
// hub subscriber; the hub's drop-on-full policy disconnects slow clients.
type StreamServer struct {
	hub      *Hub
	config   StreamConfig
	metrics  *metrics.SentinelMetrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id     string
	subID  string
	conn   *websocket.Conn
	events <-chan *Event
}

// NewStreamServer creates a streaming server over the given hub. m may be nil.
func NewStreamServer(hub *Hub, config StreamConfig, m *metrics.SentinelMetrics) *StreamServer {
	if config.MaxClients <= 0 {
		config.MaxClients = DefaultStreamConfig().MaxClients
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultStreamConfig().SendBuffer
	}

	return &StreamServer{
		hub:     hub,
		config:  config,
		metrics: m,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(config.CorsOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range config.CorsOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// HandleWS upgrades the request and streams events until the client leaves.
func (s *StreamServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.clients)
	s.mu.Unlock()
	if count >= s.config.MaxClients {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	subID, ch := s.hub.Subscribe(s.config.SendBuffer)
	client := &wsClient{
		id:     uuid.NewString(),
		subID:  subID,
		conn:   conn,
		events: ch,
	}

	s.mu.Lock()
	s.clients[client.id] = client
	total := len(s.clients)
	s.mu.Unlock()

	s.metrics.SetWSClients(total)
	logger.Info("WebSocket client connected: %s (total: %d)", client.id, total)

	go s.writePump(client)
	go s.readPump(client)
}

// writePump forwards hub events to the socket and keeps the connection alive
// with pings. It exits when the subscription channel closes.
func (s *StreamServer) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.events:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := event.ToJSON()
			if err != nil {
				logger.Error("Failed to serialize event %s: %v", event.ID, err)
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages so pongs are processed, and tears the
// connection down when the client goes away or stays silent past pongWait.
func (s *StreamServer) readPump(client *wsClient) {
	defer s.remove(client)

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket read error: %v", err)
			}
			return
		}
	}
}

func (s *StreamServer) remove(client *wsClient) {
	s.hub.Unsubscribe(client.subID)
	client.conn.Close()

	s.mu.Lock()
	_, present := s.clients[client.id]
	delete(s.clients, client.id)
	remaining := len(s.clients)
	s.mu.Unlock()

	if present {
		s.metrics.SetWSClients(remaining)
		logger.Info("WebSocket client disconnected: %s (remaining: %d)", client.id, remaining)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *StreamServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *StreamServer) Close() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.remove(c)
	}
}
