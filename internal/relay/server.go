package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/logging"
)

const maxBodyBytes = 1 << 20

// Server exposes the store and hub over HTTP. Other packages mount extra
// routes on Engine before Start.
type Server struct {
	store     *Store
	hub       *Hub
	validator *Validator
	engine    *gin.Engine
	http      *http.Server
	listener  net.Listener
	log       *logrus.Entry
}

func NewServer(store *Store, hub *Hub) (*Server, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.UseRawPath = true
	engine.UnescapePathValues = true
	engine.Use(gin.Recovery(), requestLogger(), cors())

	s := &Server{
		store:     store,
		hub:       hub,
		validator: v,
		engine:    engine,
		log:       logging.For("relay"),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/relay", s.handleList)
	s.engine.POST("/relay", s.handleCreate)
	s.engine.PATCH("/relay/:id", s.handlePatch)
	s.engine.DELETE("/relay/:id", s.handleDelete)
	s.engine.POST("/seed", s.handleSeed)
	s.engine.GET("/ws", s.handleWS)
}

func (s *Server) Engine() *gin.Engine { return s.engine }
func (s *Server) Store() *Store       { return s.store }
func (s *Server) Hub() *Hub           { return s.hub }

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Infof("listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown relay server: %w", err)
	}
	s.log.Info("stopped")
	return nil
}

// Create stores a packet and broadcasts relay.created, or relay.updated when
// it replaced a packet with the same id. It is the code path
// behind POST /relay, shared with in-process callers.
func (s *Server) Create(d Draft) Packet {
	p, replaced := s.store.Upsert(d)
	if replaced {
		s.hub.Broadcast(UpdatedEvent(p))
	} else {
		s.hub.Broadcast(CreatedEvent(p))
	}
	return p
}

func (s *Server) Update(id string, patch Patch) (Packet, error) {
	p, err := s.store.Update(id, patch)
	if err != nil {
		return Packet{}, err
	}
	s.hub.Broadcast(UpdatedEvent(p))
	return p, nil
}

func (s *Server) Delete(id string) (Packet, error) {
	p, err := s.store.Delete(id)
	if err != nil {
		return Packet{}, err
	}
	s.hub.Broadcast(DeletedEvent(p))
	return p, nil
}

// Seed inserts the demo packets and broadcasts a snapshot.
func (s *Server) Seed() int {
	demo := DemoPackets()
	s.store.Put(demo...)
	s.hub.Broadcast(SnapshotEvent(s.store.List()))
	return len(demo)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"relays":      s.store.Len(),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.List())
}

func (s *Server) handleCreate(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	d, err := s.validator.DecodeDraft(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	p := s.Create(d)
	s.log.WithFields(logging.Fields{
		"id":       p.ID,
		"origin":   p.Origin,
		"category": p.Category,
		"urgency":  p.Urgency,
	}).Debug("relay stored")
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handlePatch(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	patch, err := s.validator.DecodePatch(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.Update(c.Param("id"), patch)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDelete(c *gin.Context) {
	if _, err := s.Delete(c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSeed(c *gin.Context) {
	n := s.Seed()
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": n})
}

func (s *Server) handleWS(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, s.store.List)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large"})
		return nil, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	return body, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	log := logging.For("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logging.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}
