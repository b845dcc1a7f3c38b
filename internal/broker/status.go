// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// StatusServer exposes read-only broker state over HTTP
type StatusServer struct {
	broker   *Broker
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	logger   zerolog.Logger
}

// StatusResponse is the envelope of every status API reply
type StatusResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// BoxStatus describes one mailbox in the status API
type BoxStatus struct {
	Name        string `json:"name"`
	Size        uint64 `json:"size"`
	HumanSize   string `json:"human_size"`
	Publishers  uint64 `json:"publishers"`
	Subscribers uint64 `json:"subscribers"`
}

// NewStatusServer creates the status API for b listening on address
func NewStatusServer(b *Broker, address string) *StatusServer {
	s := &StatusServer{
		broker: b,
		logger: b.logger.With().Str("component", "status_api").Logger(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/boxes", s.handleBoxes).Methods("GET")
	router.HandleFunc("/boxes/{name}", s.handleBox).Methods("GET")
	router.HandleFunc("/workers", s.handleWorkers).Methods("GET")
	router.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	router.HandleFunc("/sessions/{id}", s.handleSession).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router = router

	s.server = &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the API
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *StatusServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting status API server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status API server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down
func (s *StatusServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping status API server")
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, "Broker is healthy", map[string]interface{}{
		"status":          "healthy",
		"control_channel": s.broker.config.Broker.ControlChannel,
		"uptime":          s.broker.Uptime().Round(time.Second).String(),
	})
}

func (s *StatusServer) handleBoxes(w http.ResponseWriter, r *http.Request) {
	infos := s.broker.directory.List()
	boxes := make([]BoxStatus, 0, len(infos))
	for _, info := range infos {
		boxes = append(boxes, BoxStatus{
			Name:        info.Name,
			Size:        info.Size,
			HumanSize:   HumanSize(info.Size),
			Publishers:  info.Publishers,
			Subscribers: info.Subscribers,
		})
	}

	s.sendSuccess(w, "Box list retrieved successfully", map[string]interface{}{
		"boxes": boxes,
		"count": len(boxes),
	})
}

func (s *StatusServer) handleBox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	box, exists := s.broker.directory.Lookup(name)
	if !exists {
		s.sendError(w, http.StatusNotFound, "Box not found", nil)
		return
	}

	info := box.Info()
	s.sendSuccess(w, "Box retrieved successfully", BoxStatus{
		Name:        info.Name,
		Size:        info.Size,
		HumanSize:   HumanSize(info.Size),
		Publishers:  info.Publishers,
		Subscribers: info.Subscribers,
	})
}

func (s *StatusServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.broker.WorkerStats()
	s.sendSuccess(w, "Worker list retrieved successfully", map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *StatusServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.broker.history.Recent()
	s.sendSuccess(w, "Session history retrieved successfully", map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *StatusServer) handleSession(w http.ResponseWriter, r *http.Request) {
	record, exists := s.broker.history.Get(mux.Vars(r)["id"])
	if !exists {
		s.sendError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	s.sendSuccess(w, "Session retrieved successfully", record)
}

func (s *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, "Statistics retrieved successfully", s.broker.Stats())
}

// sendSuccess sends a successful response
func (s *StatusServer) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	response := StatusResponse{
		Success: true,
		Message: message,
		Data:    data,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// sendError sends an error response
func (s *StatusServer) sendError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := StatusResponse{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
		s.logger.Error().Err(err).Str("message", message).Msg("API error")
	} else {
		s.logger.Debug().Str("message", message).Msg("API client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// HumanSize formats a byte count for people, e.g. "1.5 KB"
func HumanSize(size uint64) string {
	return (datasize.B * datasize.ByteSize(size)).HR()
}
