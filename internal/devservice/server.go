// Package devservice is a development learning service: the server side of
// the session wire protocol, backed by a tabular learner on a grid world and
// an sqlite event log.
package devservice

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

const shutdownTimeout = 5 * time.Second

// Config holds service settings.
type Config struct {
	// Addr is the listen address, such as ":8080".
	Addr string
	// AllowedOrigins feeds CORS for the HTTP routes. Empty allows all.
	AllowedOrigins []string
	// MaxConnections declines new sockets once reached. Zero is unlimited.
	MaxConnections int
	// Layout is used when start-session does not carry one.
	Layout Layout
	// Seed makes sessions reproducible. Zero picks a random seed per
	// session.
	Seed uint64
}

// Server serves the websocket endpoint and a small read-only HTTP API over
// the event log.
type Server struct {
	cfg      Config
	store    *Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
	seeds   uint64

	wg sync.WaitGroup
}

// NewServer returns a server logging to store.
func NewServer(cfg Config, store *Store) *Server {
	if cfg.Layout.Width == 0 {
		cfg.Layout = DefaultLayout()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		sockets: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	router.Use(cors.New(corsCfg))
	router.Use(s.accessLog())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "discrete-bam development service")
	})
	router.GET("/ws", s.handleSocket)

	api := router.Group("/api")
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.GET("/sessions/:id/events", s.getEvents)
	}
	return router
}

// Run serves until ctx is done, then shuts down and waits for open sockets.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("devservice: listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// Shutdown does not touch hijacked connections.
	s.closeSockets()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("devservice: websocket upgrade error: %v", err)
		c.Set(socketOutcomeKey, "failed upgrade")
		return
	}
	defer ws.Close()

	if !s.acquire(ws) {
		logger.Infof("devservice: declined connection, %d active", s.cfg.MaxConnections)
		_ = ws.WriteJSON(wire.Declined("busy"))
		c.Set(socketOutcomeKey, "declined busy")
		return
	}
	defer s.release(ws)

	if err := ws.WriteJSON(wire.Ready()); err != nil {
		logger.Warnf("devservice: handshake: %v", err)
		c.Set(socketOutcomeKey, "failed handshake")
		return
	}
	p := newPeer(s, ws)
	p.serve(c.Request.Context())
	c.Set(socketOutcomeKey, p.summary())
}

func (s *Server) acquire(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && len(s.sockets) >= s.cfg.MaxConnections {
		return false
	}
	s.sockets[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) closeSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.sockets {
		_ = ws.Close()
	}
}

// Active returns the number of open sockets.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// seed returns the seed for the next session.
func (s *Server) seed() uint64 {
	if s.cfg.Seed == 0 {
		return rand.Uint64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seed := s.cfg.Seed + s.seeds
	s.seeds++
	return seed
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []SessionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	rec, err := s.store.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getEvents(c *gin.Context) {
	events, err := s.store.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrUnknownSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
