package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server represents the RoomChat server
type Server struct {
	store      Store
	closer     io.Closer
	config     ServerConfig
	registry   *Registry
	rooms      *RoomManager
	gate       *Gate
	dispatcher *Dispatcher
	replayer   *Replayer
	metrics    *Metrics
	startTime  time.Time

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	httpListener  net.Listener
	metricsServer *http.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration.
// A port of 0 picks a free port; a negative port disables the listener.
type ServerConfig struct {
	TCPPort        int
	SSHPort        int
	HTTPPort       int // Public HTTP port for /ws
	MetricsPort    int // Internal port for /metrics and /health
	SSHHostKeyPath string
	DatabasePath   string

	MaxMessageLines     int
	MaxLineLength       int
	SendQueueSize       int
	ReplayChunkSize     int
	DefaultHistoryLines int
	MaxHistoryLines     int

	Access     AccessConfig
	AdminUsers []string // identities registered at the admin level

	SeedRooms    []SeedRoom
	SeedCommands []SeedCommand
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             6465,
		SSHPort:             6466,
		HTTPPort:            8080,
		MetricsPort:         9090,
		SSHHostKeyPath:      "~/.roomchat/ssh_host_key",
		DatabasePath:        "roomchat.db",
		MaxMessageLines:     20,
		MaxLineLength:       1024,
		SendQueueSize:       256,
		ReplayChunkSize:     50,
		DefaultHistoryLines: 100,
		MaxHistoryLines:     1000,
		Access: AccessConfig{
			TrustedLevel: 2,
			AdminLevel:   4,
		},
		SeedRooms:    DefaultTOMLConfig().Rooms,
		SeedCommands: DefaultCommands(),
	}
}

// NewServer opens the database, seeds rooms and commands and loads the
// command catalog. Any failure here aborts startup.
func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	sqliteDB, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	memDB, err := database.NewMemDB(ctx, sqliteDB)
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to create in-memory database: %w", err)
	}

	server, err := newServer(ctx, memDB, config)
	if err != nil {
		memDB.Close()
		return nil, err
	}
	server.closer = memDB
	return server, nil
}

// newServer wires the chat core on top of a store
func newServer(ctx context.Context, store Store, config ServerConfig) (*Server, error) {
	metrics := NewMetrics()
	subs := newSubscriptionIndex()

	registry := NewRegistry(store, subs)
	registry.SetMetrics(metrics)
	rooms := NewRoomManager(store, registry, subs, config.Access)
	dispatcher := NewDispatcher(store, rooms, subs)
	dispatcher.SetMetrics(metrics)
	replayer := NewReplayer(store)
	replayer.SetMetrics(metrics)

	server := &Server{
		store:      store,
		config:     config,
		registry:   registry,
		rooms:      rooms,
		dispatcher: dispatcher,
		replayer:   replayer,
		metrics:    metrics,
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
	}

	if err := server.seed(ctx); err != nil {
		return nil, err
	}

	catalog, err := LoadCatalog(ctx, store)
	if err != nil {
		return nil, err
	}
	server.gate = NewGate(catalog, registry, store)

	return server, nil
}

// seed creates the system rooms, the configured public rooms and the command catalog
func (s *Server) seed(ctx context.Context) error {
	for _, ref := range []RoomRef{{Kind: RoomBroadcast}, {Kind: RoomImportant}, {Kind: RoomAdmin}} {
		if _, err := s.rooms.EnsureRoom(ctx, ref); err != nil {
			return fmt.Errorf("failed to seed room %s: %w", ref.Name(), err)
		}
	}

	for _, seed := range s.config.SeedRooms {
		req := NewRoom{
			Name:            seed.Name,
			AccessLevel:     seed.AccessLevel,
			VisibilityLevel: seed.VisibilityLevel,
		}
		if seed.Password != "" {
			req.Password = &seed.Password
		}
		if _, err := s.rooms.CreateRoom(ctx, req, nil); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("failed to seed room %s: %w", seed.Name, err)
		}
	}

	for _, cmd := range s.config.SeedCommands {
		if _, ok := protocol.EventTypeByName(cmd.Name); !ok {
			return fmt.Errorf("seed command %q is not a known event", cmd.Name)
		}
		err := s.store.SeedCommand(ctx, &database.Command{
			Name:            cmd.Name,
			AccessLevel:     cmd.AccessLevel,
			VisibilityLevel: cmd.VisibilityLevel,
			Category:        cmd.Category,
		})
		if err != nil {
			return fmt.Errorf("failed to seed command %s: %w", cmd.Name, err)
		}
		stored, err := s.store.GetCommand(ctx, cmd.Name)
		if err != nil {
			return fmt.Errorf("failed to read command %s: %w", cmd.Name, err)
		}
		if stored.AccessLevel != cmd.AccessLevel || stored.VisibilityLevel != cmd.VisibilityLevel {
			log.Printf("Command %s keeps stored levels %d/%d (config has %d/%d)",
				cmd.Name, stored.AccessLevel, stored.VisibilityLevel, cmd.AccessLevel, cmd.VisibilityLevel)
		}
	}
	return nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "roomchat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "roomchat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// InitLoggers sets up the error, debug and standard loggers under the data directory
func InitLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in errors.log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is discarded unless EnableDebugLogging is called
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log, truncated per run
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

func listenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Start starts the TCP, SSH, HTTP and metrics listeners
func (s *Server) Start() error {
	if s.config.TCPPort >= 0 {
		listener, err := net.Listen("tcp", listenAddr(s.config.TCPPort))
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listenAddr(s.config.TCPPort), err)
		}
		s.listener = listener
		log.Printf("TCP server listening on %s", listener.Addr())

		s.wg.Add(1)
		go s.acceptLoop(listener, "tcp", s.handleConnection)
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Metrics server is internal only, never expose it publicly
	if s.config.MetricsPort >= 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Addr: listenAddr(s.config.MetricsPort), Handler: metricsMux}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.config.HTTPPort >= 0 {
		listener, err := net.Listen("tcp", listenAddr(s.config.HTTPPort))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", listenAddr(s.config.HTTPPort), err)
		}
		s.httpListener = listener

		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{Handler: publicMux}
		go func() {
			log.Printf("Public HTTP server listening on %s (/ws)", listener.Addr())
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// TCPAddr returns the bound TCP address, nil if TCP is disabled
func (s *Server) TCPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the bound SSH address, nil if SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the bound public HTTP address, nil if HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
}

// Stop gracefully stops the server: notifies connections, detaches every
// session (recording last-seen) and closes the database.
func (s *Server) Stop() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)
	s.closeListeners()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	log.Println("Closing all client sessions...")
	s.registry.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			return err
		}
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends a Shutdown error to every connection and
// gives their queues a moment to flush
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.All()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	log.Printf("Sending shutdown notification to %d active sessions...", len(sessions))

	notice := &protocol.Error{Kind: KindShutdown, Detail: "Server shutting down"}
	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, sess := range sessions {
		if err := sess.Conn.Send(notice); err != nil {
			continue
		}
		sent.Add(1)
		if d, ok := sess.Conn.(interface{ Drain(time.Duration) error }); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Drain(time.Second)
			}()
		}
	}
	wg.Wait()

	log.Printf("Shutdown notification sent to %d/%d sessions", sent.Load(), len(sessions))
}

// acceptLoop hands each accepted connection to handle until the listener closes
func (s *Server) acceptLoop(listener net.Listener, transport string, handle func(net.Conn)) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s accept error: %v", transport, err)
			continue
		}
		go handle(conn)
	}
}

// handleConnection registers a TCP connection and runs its message loop
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.addConnection(NewFrameConn(conn, s.config.SendQueueSize), conn.RemoteAddr().String(), "tcp")
	s.messageLoop(sess, conn)
}

// addConnection registers a new anonymous connection
func (s *Server) addConnection(conn Conn, remoteAddr, transport string) *Session {
	sess := NewSession(conn, remoteAddr, transport)
	s.registry.Add(sess)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (conn %s)", transport, remoteAddr, sess.ID())
	return sess
}

// messageLoop reads frames until the connection fails. Each connection's
// commands are handled one at a time, in order.
func (s *Server) messageLoop(sess *Session, conn io.Reader) {
	defer s.removeSession(sess)

	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			if err == io.EOF {
				debugLog.Printf("Conn %s: client disconnected", sess.ID())
			} else {
				debugLog.Printf("Conn %s: message loop read error: %v", sess.ID(), err)
			}
			return
		}

		debugLog.Printf("Conn %s ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID(), frame.Type, frame.Flags, len(frame.Payload))
		s.handleFrame(sess, frame)
	}
}

// removeSession handles a disconnect
func (s *Server) removeSession(sess *Session) {
	if _, ok := s.registry.Get(sess.ID()); !ok {
		return
	}
	s.disconnectionsSinceReport.Add(1)
	s.registry.Remove(sess)
}

// HealthHandler reports liveness for the internal metrics server
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":       s.registry.Count(),
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 {
				continue
			}
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.registry.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
