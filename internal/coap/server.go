// Package coap exposes the telemetry write and latest-value read paths over
// CoAP/UDP for constrained sensor clients.
package coap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
)

const requestTimeout = 10 * time.Second

// ChannelService defines the channel operations the CoAP layer depends on.
// *channel.Manager satisfies it.
type ChannelService interface {
	WriteData(ctx context.Context, name, apiKey string, data map[string]interface{}) (*storage.Entry, error)
	Latest(ctx context.Context, name, apiKey string) (*storage.Entry, error)
	LatestField(ctx context.Context, name, apiKey, field string) (*channel.FieldValue, error)
}

// Server hosts the CoAP endpoints on a UDP listener.
type Server struct {
	addr    string
	service ChannelService
	logger  *logrus.Logger
	router  *mux.Router

	mu     sync.Mutex
	server *udpserver.Server
	conn   *coapnet.UDPConn
	done   chan struct{}
}

// Option configures optional server behavior.
type Option func(*Server)

// WithAddr sets the UDP listen address. Defaults to ":5684".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// NewServer creates the CoAP server for the given channel service.
func NewServer(service ChannelService, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		addr:    ":5684",
		service: service,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	routes := map[string]mux.HandlerFunc{
		"/channels/{channel}/data":           s.handleWrite,
		"/channels/{channel}/latest":         s.handleLatest,
		"/channels/{channel}/latest/{field}": s.handleLatestField,
	}
	for pattern, handler := range routes {
		if err := r.Handle(pattern, handler); err != nil {
			return nil, fmt.Errorf("failed to register CoAP route %s: %w", pattern, err)
		}
	}
	s.router = r

	return s, nil
}

// Start binds the UDP listener and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("server already started")
	}

	conn, err := coapnet.NewListenUDP("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.conn = conn
	s.server = udp.NewServer(options.WithMux(s.router))
	s.done = make(chan struct{})

	s.logger.WithField("addr", conn.LocalAddr().String()).Info("Starting CoAP server")

	done := s.done
	srv := s.server
	go func() {
		defer close(done)
		if err := srv.Serve(conn); err != nil {
			s.logger.WithError(err).Error("CoAP server error")
		}
	}()

	return nil
}

// Stop shuts down the server and closes the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping CoAP server")

	s.server.Stop()
	if err := s.conn.Close(); err != nil {
		s.logger.WithError(err).Debug("CoAP listener close")
	}
	<-s.done

	s.server = nil
	s.conn = nil
	s.done = nil
	return nil
}

// Addr returns the bound listen address once started, otherwise the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.addr
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

func (s *Server) logMiddleware(next mux.Handler) mux.Handler {
	return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		s.logger.WithFields(logrus.Fields{
			"code": r.Code().String(),
			"from": w.Conn().RemoteAddr().String(),
		}).Debug("CoAP request")
		next.ServeCOAP(w, r)
	})
}

// handleWrite serves PUT /channels/{channel}/data.
func (s *Server) handleWrite(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.PUT {
		s.respondText(w, codes.MethodNotAllowed, "Method not allowed.")
		return
	}

	name := r.RouteParams.Vars["channel"]
	apiKey := queryParam(r, "api_key")
	if apiKey == "" {
		s.respondText(w, codes.BadRequest, "API key is required in query parameters (e.g., ?api_key=YOUR_KEY).")
		return
	}

	body, err := r.ReadBody()
	if err != nil || len(body) == 0 {
		s.respondText(w, codes.BadRequest, "Empty payload.")
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		s.respondText(w, codes.BadRequest, "Invalid JSON payload.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	entry, err := s.service.WriteData(ctx, name, apiKey, data)
	if err != nil {
		if errors.Is(err, channel.ErrNoValidFields) {
			s.respondText(w, codes.BadRequest, "No valid channel fields provided in data that match channel configuration.")
			return
		}
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, codes.Created, api.WriteResponse{
		Message:   "Data written successfully via CoAP",
		Timestamp: entry.Timestamp.UTC().Format(api.TimestampFormat),
	})
}

// handleLatest serves GET /channels/{channel}/latest. The document carries
// tank_id but not the storage id.
func (s *Server) handleLatest(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.GET {
		s.respondText(w, codes.MethodNotAllowed, "Method not allowed.")
		return
	}

	name := r.RouteParams.Vars["channel"]
	apiKey := queryParam(r, "api_key")
	if apiKey == "" {
		s.respondText(w, codes.BadRequest, "API key is required.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	entry, err := s.service.Latest(ctx, name, apiKey)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	doc := map[string]interface{}{
		"tank_id":   entry.ChannelName,
		"timestamp": entry.Timestamp.UTC().Format(api.TimestampFormat),
	}
	for field, value := range entry.Fields {
		doc[field] = value
	}
	s.respondJSON(w, codes.Content, doc)
}

// handleLatestField serves GET /channels/{channel}/latest/{field}.
func (s *Server) handleLatestField(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.GET {
		s.respondText(w, codes.MethodNotAllowed, "Method not allowed.")
		return
	}

	name := r.RouteParams.Vars["channel"]
	field := r.RouteParams.Vars["field"]
	apiKey := queryParam(r, "api_key")
	if apiKey == "" {
		s.respondText(w, codes.BadRequest, "API key is required.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	value, err := s.service.LatestField(ctx, name, apiKey, field)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrFieldNotDeclared):
			s.respondText(w, codes.BadRequest,
				fmt.Sprintf("Field '%s' is not defined for channel '%s'.", field, name))
		case errors.Is(err, storage.ErrNoData):
			s.respondText(w, codes.NotFound,
				fmt.Sprintf("Field '%s' data not found for this channel.", field))
		default:
			s.respondServiceError(w, err)
		}
		return
	}

	s.respondJSON(w, codes.Content, api.FieldValue{
		ChannelName: value.Channel,
		Field:       value.Field,
		Value:       value.Value,
		Timestamp:   value.Timestamp.UTC().Format(api.TimestampFormat),
	})
}

func (s *Server) respondServiceError(w mux.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrChannelNotFound):
		s.respondText(w, codes.NotFound, "Channel not found.")
	case errors.Is(err, channel.ErrInvalidAPIKey):
		s.respondText(w, codes.Unauthorized, "Invalid API key.")
	case errors.Is(err, storage.ErrNoData):
		s.respondText(w, codes.NotFound, "No data found for this channel.")
	default:
		s.logger.WithError(err).Error("CoAP request failed")
		s.respondText(w, codes.InternalServerError, "Internal server error")
	}
}

func (s *Server) respondText(w mux.ResponseWriter, code codes.Code, text string) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(text))); err != nil {
		s.logger.WithError(err).Error("Failed to write CoAP response")
	}
}

func (s *Server) respondJSON(w mux.ResponseWriter, code codes.Code, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.respondText(w, codes.InternalServerError, "Internal server error")
		return
	}
	if err := w.SetResponse(code, message.AppJSON, bytes.NewReader(payload)); err != nil {
		s.logger.WithError(err).Error("Failed to write CoAP response")
	}
}

func queryParam(r *mux.Message, key string) string {
	queries, err := r.Queries()
	if err != nil {
		return ""
	}
	for _, q := range queries {
		k, v, _ := strings.Cut(q, "=")
		if k == key {
			return v
		}
	}
	return ""
}
