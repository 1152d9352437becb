// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor serves a read-only HTTP view on a running node: REST
// endpoints below /api/v1 for status, journaled transfers and live sessions,
// next to a WebSocket endpoint pushing progress events. It is an operational
// convenience around the node, not a wire protocol extension.
package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dtn7/quist/pkg/storage"
)

// Source provides the data a Monitor serves. The daemon implements it; the
// Monitor itself keeps no state about sessions or transfers.
type Source interface {
	// Status of the node: name, address, fingerprint, uptime, counters.
	Status() Status

	// Transfers lists the journaled Items.
	Transfers() ([]storage.Item, error)

	// Sessions lists the live sessions.
	Sessions() []SessionInfo
}

// Monitor is an HTTP server around a Source.
//
// The WebSocket clients are owned by a single handler goroutine; registering,
// removing and broadcasting are serialized through its channels.
type Monitor struct {
	source Source

	httpServer *http.Server
	upgrader   websocket.Upgrader

	registerChnl   chan *websocket.Conn
	unregisterChnl chan *websocket.Conn
	eventChnl      chan ProgressEvent

	// stop{Syn,Ack} are used to supervise closing this Monitor, see Close().
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewMonitor binds a Source to an HTTP server listening on address.
func NewMonitor(address string, source Source) (monitor *Monitor, err error) {
	router := mux.NewRouter()
	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	monitor = &Monitor{
		source: source,

		httpServer: httpServer,
		upgrader:   websocket.Upgrader{},

		registerChnl:   make(chan *websocket.Conn),
		unregisterChnl: make(chan *websocket.Conn),
		eventChnl:      make(chan ProgressEvent),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", monitor.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/transfers", monitor.handleTransfers).Methods(http.MethodGet)
	api.HandleFunc("/sessions", monitor.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/ws", monitor.websocketHandler).Methods(http.MethodGet)

	startupErr := make(chan error)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}

		close(startupErr)
	}()

	select {
	case err = <-startupErr:
		monitor = nil
	case <-time.After(100 * time.Millisecond):
		go monitor.handler()
	}

	return
}

func (monitor *Monitor) log() *log.Entry {
	return log.WithField("monitor", monitor.httpServer.Addr)
}

// handler owns the set of connected WebSocket clients.
func (monitor *Monitor) handler() {
	clients := make(map[*websocket.Conn]struct{})

	defer func() {
		for conn := range clients {
			_ = conn.Close()
		}

		close(monitor.stopAck)
	}()

	for {
		select {
		case <-monitor.stopSyn:
			return

		case conn := <-monitor.registerChnl:
			monitor.log().WithField("client", conn.RemoteAddr().String()).Debug("Monitor registered WebSocket client")
			clients[conn] = struct{}{}

		case conn := <-monitor.unregisterChnl:
			if _, ok := clients[conn]; ok {
				delete(clients, conn)
				_ = conn.Close()
			}

		case event := <-monitor.eventChnl:
			for conn := range clients {
				// A client not keeping up is dropped, not waited for.
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteJSON(event); err != nil {
					monitor.log().WithError(err).Debug("Monitor drops WebSocket client")

					delete(clients, conn)
					_ = conn.Close()
				}
			}
		}
	}
}

// Broadcast pushes a ProgressEvent to all connected WebSocket clients. It is
// safe for concurrent use and becomes a no-op after Close.
func (monitor *Monitor) Broadcast(event ProgressEvent) {
	select {
	case monitor.eventChnl <- event:
	case <-monitor.stopSyn:
	}
}

// Close stops the WebSocket handler and shuts the HTTP server down.
func (monitor *Monitor) Close() {
	close(monitor.stopSyn)
	<-monitor.stopAck

	_ = monitor.httpServer.Close()
}

// handleStatus processes GET /api/v1/status.
func (monitor *Monitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if err := json.NewEncoder(w).Encode(monitor.source.Status()); err != nil {
		monitor.log().WithError(err).Warn("Failed to write status response")
	}
}

// handleTransfers processes GET /api/v1/transfers.
func (monitor *Monitor) handleTransfers(w http.ResponseWriter, _ *http.Request) {
	var response TransfersResponse

	if items, itemsErr := monitor.source.Transfers(); itemsErr != nil {
		response.Error = itemsErr.Error()
	} else {
		response.Transfers = make([]TransferInfo, len(items))
		for i, item := range items {
			response.Transfers[i] = newTransferInfo(item)
		}
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		monitor.log().WithError(err).Warn("Failed to write transfers response")
	}
}

// handleSessions processes GET /api/v1/sessions.
func (monitor *Monitor) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := monitor.source.Sessions()
	if sessions == nil {
		sessions = []SessionInfo{}
	}

	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		monitor.log().WithError(err).Warn("Failed to write sessions response")
	}
}

// websocketHandler processes GET /api/v1/ws, our WebSocket endpoint.
func (monitor *Monitor) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, connErr := monitor.upgrader.Upgrade(w, r, nil)
	if connErr != nil {
		monitor.log().WithError(connErr).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	select {
	case monitor.registerChnl <- conn:
	case <-monitor.stopSyn:
		_ = conn.Close()
		return
	}

	// Drain the client's frames; the read errors once the client is gone.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				break
			}
		}

		select {
		case monitor.unregisterChnl <- conn:
		case <-monitor.stopSyn:
		}
	}()
}
