package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/sensorsync/internal/auth"
	"github.com/danmuck/sensorsync/internal/node"
	"github.com/danmuck/sensorsync/internal/producer"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProducerServerConfig configures the producer's retransmission endpoint.
type ProducerServerConfig struct {
	ID          string
	Addr        string
	CORSOrigins []string
	AuthToken   string
	TLS         TLSConfig
}

// ProducerServer answers retransmission requests from a receiver.
type ProducerServer struct {
	cfg      ProducerServerConfig
	producer *producer.Producer
	router   *gin.Engine
	appeared time.Time
}

var _ node.Node = (*ProducerServer)(nil)

func NewProducerServer(cfg ProducerServerConfig, p *producer.Producer) *ProducerServer {
	if cfg.ID == "" {
		cfg.ID = "producer.local"
	}
	s := &ProducerServer{
		cfg:      cfg,
		producer: p,
		router:   newRouter(cfg.ID, cfg.CORSOrigins),
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *ProducerServer) NodeID() string {
	return s.cfg.ID
}

func (s *ProducerServer) Kind() string {
	return "producer"
}

func (s *ProducerServer) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *ProducerServer) Serve(ctx context.Context) error {
	return serve(ctx, s.cfg.ID, s.cfg.Addr, s.router, s.cfg.TLS)
}

func (s *ProducerServer) registerRoutes() {
	s.router.GET("/health", healthHandler(s.cfg.ID, s.Kind(), s.appeared))
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := s.router.Group("/v1")
	if v := auth.ForToken(s.cfg.AuthToken); v != nil {
		v1.Use(requireToken(v))
	}
	v1.GET("/transfers", func(c *gin.Context) {
		items := s.producer.Ledger().List()
		out := make([]gin.H, 0, len(items))
		for _, item := range items {
			out = append(out, gin.H{
				"workoutId":   item.WorkoutID,
				"totalChunks": item.Manifest.TotalChunks,
				"sending":     item.Sending,
				"attempts":    item.Attempts,
				"lastError":   item.LastError,
			})
		}
		c.JSON(http.StatusOK, gin.H{"transfers": out})
	})
	v1.POST("/retransmit", func(c *gin.Context) {
		req, err := protocol.ReadRetransmitRequest(c.Request.Body)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, protocol.ErrMessageTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			_ = c.Error(err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.producer.HandleRetransmit(req))
	})
}
