package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/danmuck/sensorsync/internal/auth"
	"github.com/danmuck/sensorsync/internal/node"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/danmuck/sensorsync/internal/retransmit"
	"github.com/danmuck/sensorsync/internal/summary"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Multipart field names used by POST /v1/transfers.
const (
	FieldMetadata = "metadata"
	FieldBlob     = "blob"
)

var (
	ErrMissingMetadata = errors.New("transport: transfer missing metadata part")
	ErrMissingBlob     = errors.New("transport: transfer missing blob part")
)

// ReceiverConfig configures the receiver HTTP surface.
type ReceiverConfig struct {
	ID             string
	Addr           string
	CORSOrigins    []string
	MaxUploadBytes int64
	// AuthToken guards /v1 when set.
	AuthToken string
	TLS       TLSConfig
}

// Receiver serves chunk intake and record inspection.
type Receiver struct {
	cfg       ReceiverConfig
	engine    *reassembly.Engine
	retrans   *retransmit.Coordinator
	summaries *summary.Service
	hub       *Hub
	upgrader  websocket.Upgrader
	router    *gin.Engine
	appeared  time.Time
}

var _ node.Node = (*Receiver)(nil)

// NewReceiver builds the receiver router and subscribes the event hub to
// engine.
func NewReceiver(cfg ReceiverConfig, engine *reassembly.Engine, retrans *retransmit.Coordinator, summaries *summary.Service) *Receiver {
	if cfg.ID == "" {
		cfg.ID = "receiver.local"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	r := &Receiver{
		cfg:       cfg,
		engine:    engine,
		retrans:   retrans,
		summaries: summaries,
		hub:       NewHub(),
		upgrader:  newUpgrader(cfg.CORSOrigins),
		router:    newRouter(cfg.ID, cfg.CORSOrigins),
		appeared:  time.Now(),
	}
	engine.Subscribe(r.hub.PublishEvent)
	r.registerRoutes()
	return r
}

func (r *Receiver) NodeID() string {
	return r.cfg.ID
}

func (r *Receiver) Kind() string {
	return "receiver"
}

func (r *Receiver) HTTPRouter() *gin.Engine {
	return r.router
}

func (r *Receiver) Hub() *Hub {
	return r.hub
}

// Serve listens on the configured address until ctx ends.
func (r *Receiver) Serve(ctx context.Context) error {
	return serve(ctx, r.cfg.ID, r.cfg.Addr, r.router, r.cfg.TLS)
}

type recordView struct {
	reassembly.Record
	IsComplete bool  `json:"isComplete"`
	Missing    []int `json:"missing"`
}

func viewOf(rec reassembly.Record) recordView {
	return recordView{Record: rec, IsComplete: rec.IsComplete(), Missing: rec.Missing()}
}

func (r *Receiver) registerRoutes() {
	routes := r.router
	routes.GET("/health", healthHandler(r.cfg.ID, r.Kind(), r.appeared))
	routes.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(r.appeared).String(),
			"receiver": r.cfg.ID,
			"workouts": len(r.engine.List()),
		})
	})
	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := routes.Group("/v1")
	if v := auth.ForToken(r.cfg.AuthToken); v != nil {
		v1.Use(requireToken(v))
	}
	v1.POST("/transfers", r.handleTransfer)
	v1.GET("/workouts", func(c *gin.Context) {
		records := r.engine.List()
		views := make([]recordView, 0, len(records))
		for _, rec := range records {
			views = append(views, viewOf(rec))
		}
		c.JSON(http.StatusOK, gin.H{"workouts": views})
	})
	v1.GET("/workouts/:id", func(c *gin.Context) {
		rec, ok := r.engine.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": reassembly.ErrNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, viewOf(rec))
	})
	v1.DELETE("/workouts/:id", func(c *gin.Context) {
		if err := r.engine.Delete(c.Param("id")); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, reassembly.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	v1.POST("/workouts/:id/retransmit", func(c *gin.Context) {
		res := r.retrans.Run(c.Request.Context(), c.Param("id"))
		status := http.StatusOK
		if res.Outcome == retransmit.OutcomeUnknownWorkout {
			status = http.StatusNotFound
		}
		c.JSON(status, res)
	})
	v1.GET("/workouts/:id/summary", func(c *gin.Context) {
		out, err := r.summaries.Summarize(c.Request.Context(), c.Param("id"), nil)
		if err != nil {
			c.JSON(summaryStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	})
	v1.GET("/workouts/:id/summary/stream", r.handleSummaryStream)
	v1.GET("/events", func(c *gin.Context) {
		topic := TopicAll
		if id := c.Query("workout"); id != "" {
			topic = id
		}
		serveHub(c, r.upgrader, r.hub, topic)
	})
}

func summaryStatus(err error) int {
	switch {
	case errors.Is(err, summary.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, summary.ErrNotMerged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Receiver) handleTransfer(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.cfg.MaxUploadBytes)
	meta, tmp, size, err := r.readTransfer(c.Request)
	if err != nil {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if meta.IsManifest {
		r.ingestManifest(c, meta, tmp)
		return
	}
	if meta.ChunkSizeBytes > 0 && meta.ChunkSizeBytes != size {
		log.Warn().
			Str("workout", meta.WorkoutID).
			Int("chunk", meta.ChunkIndex).
			Int64("declared", meta.ChunkSizeBytes).
			Int64("received", size).
			Msg("transport.Receiver.handleTransfer size differs from metadata")
	}
	outcome, err := r.engine.IngestChunk(meta, tmp)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, protocol.ErrInvalidMetadata):
			status = http.StatusBadRequest
		case errors.Is(err, reassembly.ErrChunkOutOfRange):
			status = http.StatusConflict
		case errors.Is(err, reassembly.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": outcome, "workoutId": meta.WorkoutID, "chunkIndex": meta.ChunkIndex})
}

func (r *Receiver) ingestManifest(c *gin.Context, meta protocol.ChunkMetadata, tmp string) {
	defer os.Remove(tmp)
	f, err := os.Open(tmp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	m, err := protocol.ReadManifest(f)
	f.Close()
	if err == nil && m.WorkoutID != meta.WorkoutID {
		err = fmt.Errorf("%w: workoutId %q does not match metadata %q", protocol.ErrInvalidManifest, m.WorkoutID, meta.WorkoutID)
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	failed, err := r.engine.IngestManifest(m)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if failed == nil {
		failed = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "manifest_attached", "workoutId": m.WorkoutID, "failed": failed})
}

// readTransfer streams the multipart body. The blob is spooled into the
// blob directory so acceptance is a rename.
func (r *Receiver) readTransfer(req *http.Request) (protocol.ChunkMetadata, string, int64, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return protocol.ChunkMetadata{}, "", 0, err
	}
	var (
		rawMeta []byte
		tmp     string
		size    int64
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return protocol.ChunkMetadata{}, tmp, 0, err
		}
		switch part.FormName() {
		case FieldMetadata:
			rawMeta, err = io.ReadAll(io.LimitReader(part, protocol.MaxControlMessageBytes+1))
		case FieldBlob:
			if tmp != "" {
				err = fmt.Errorf("transport: duplicate blob part")
				break
			}
			tmp, size, err = r.spool(part)
		}
		part.Close()
		if err != nil {
			return protocol.ChunkMetadata{}, tmp, 0, err
		}
	}
	if rawMeta == nil {
		return protocol.ChunkMetadata{}, tmp, 0, ErrMissingMetadata
	}
	if tmp == "" {
		return protocol.ChunkMetadata{}, "", 0, ErrMissingBlob
	}
	meta, err := protocol.ParseMetadata(rawMeta)
	if err != nil {
		return protocol.ChunkMetadata{}, tmp, 0, err
	}
	return meta, tmp, size, nil
}

func (r *Receiver) spool(part *multipart.Part) (string, int64, error) {
	f, err := r.engine.Blobs().CreateTemp("upload")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, part)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return f.Name(), n, err
}

type streamMessage struct {
	Type     string            `json:"type"`
	Progress *summary.Progress `json:"progress,omitempty"`
	Summary  *summary.Summary  `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleSummaryStream upgrades to a websocket and pushes decode progress,
// then the final summary, then closes.
func (r *Receiver) handleSummaryStream(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	write := func(msg streamMessage) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		payload, err := json.Marshal(msg)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			cancel()
		}
	}

	out, err := r.summaries.Summarize(ctx, c.Param("id"), func(p summary.Progress) {
		write(streamMessage{Type: "progress", Progress: &p})
	})
	if err != nil {
		write(streamMessage{Type: "error", Error: err.Error()})
	} else {
		write(streamMessage{Type: "summary", Summary: &out})
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
