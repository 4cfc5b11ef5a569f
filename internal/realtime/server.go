// Package realtime serves grade entry to devices on the local network and
// fans every accepted change out to connected listeners.
//
// LAN peers receive changes over a server-sent event stream (/api/events)
// or a WebSocket (/api/ws). The primary process receives the same events
// through Subscribe. Every grade batch is committed in one store
// transaction before it is announced, so a listener never sees a change
// that was rolled back.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/schema"
)

// DefaultPort is the preferred LAN port.
const DefaultPort = 3030

// DefaultKeepAlive is the idle interval after which a stream receives a
// keep-alive comment.
const DefaultKeepAlive = 15 * time.Second

// Store is the part of the entity store served on the LAN.
type Store interface {
	ListClasses(ctx context.Context) ([]schema.Class, error)
	ListActiveClasses(ctx context.Context) ([]schema.Class, error)
	ClassRoster(ctx context.Context, classID int64) (*db.Roster, error)
	UpsertGrades(ctx context.Context, updates []schema.GradeUpdate) error
}

// ServerInfo describes where the server can be reached.
type ServerInfo struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Running bool   `json:"running"`
}

// URL is the base URL peers use to reach the server.
func (i ServerInfo) URL() string {
	return "http://" + net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 3030). When the port is taken the server
	// falls back to a free one.
	Port int

	// KeepAlive is the idle interval between stream keep-alives.
	KeepAlive time.Duration

	// SendBuffer is the per-listener event queue size.
	SendBuffer int

	// DeviceID is stamped on every event this server emits.
	DeviceID string

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:       DefaultPort,
		KeepAlive:  DefaultKeepAlive,
		SendBuffer: DefaultSendBuffer,
		Logger:     zerolog.Nop(),
	}
}

// Server is the LAN realtime service.
type Server struct {
	cfg     Config
	store   Store
	hub     *Hub
	handler http.Handler
	log     zerolog.Logger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup

	infoMu sync.RWMutex
	info   ServerInfo
}

// NewServer creates a server over store. The handler is usable before
// Start, which is how tests drive it.
func NewServer(store Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	log := cfg.Logger.With().Str("component", "realtime").Logger()

	s := &Server{
		cfg:   cfg,
		store: store,
		hub:   NewHub(cfg.SendBuffer, log),
		log:   log,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the LAN address and begins serving.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	port := ln.Addr().(*net.TCPAddr).Port
	ip := s.cfg.Host
	if ip == "" || net.ParseIP(ip).IsUnspecified() {
		ip = LocalIP()
	}
	s.setInfo(ServerInfo{IP: ip, Port: port, Running: true})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Str("lan", ip).Msg("realtime server listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("realtime server error")
		}
	}()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err == nil || s.cfg.Port == 0 {
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, nil
	}

	s.log.Warn().Err(err).Int("port", s.cfg.Port).Msg("preferred port unavailable, using a free port")
	fallback := net.JoinHostPort(s.cfg.Host, "0")
	ln, err = net.Listen("tcp", fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", fallback, err)
	}
	return ln, nil
}

// Stop closes every stream and shuts the server down.
func (s *Server) Stop() error {
	s.log.Info().Msg("stopping realtime server")

	// Streams end when their listener queue closes, which lets Shutdown
	// finish without waiting for the peers.
	s.hub.Close()

	info := s.Info()
	info.Running = false
	s.setInfo(info)

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) setInfo(info ServerInfo) {
	s.infoMu.Lock()
	s.info = info
	s.infoMu.Unlock()
}

// Info returns where the server is reachable. Running is false until Start
// has bound an address and after Stop.
func (s *Server) Info() ServerInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Addr returns the bound listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenerCount returns the number of connected listeners.
func (s *Server) ListenerCount() int {
	return s.hub.Len()
}

// Subscribe registers an in-process listener. Call Unsubscribe when done.
func (s *Server) Subscribe() *Listener {
	return s.hub.Subscribe("local")
}

// Unsubscribe removes a listener returned by Subscribe.
func (s *Server) Unsubscribe(l *Listener) {
	s.hub.Remove(l)
}

// BroadcastChange announces a change made outside the LAN API, such as an
// edit in the primary application. Missing envelope fields are filled in.
func (s *Server) BroadcastChange(ev Event) int {
	if ev.Event == "" {
		ev.Event = EventDBChanged
	}
	if ev.DeviceID == "" {
		ev.DeviceID = s.cfg.DeviceID
	}
	return s.hub.Publish(ev)
}
