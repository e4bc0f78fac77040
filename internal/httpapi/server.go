package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
	"github.com/caredesk/telemed/internal/signaling"
	"github.com/caredesk/telemed/internal/store"
)

// MetadataStore is the slice of the persistence layer the handlers need.
type MetadataStore interface {
	SaveRecording(ctx context.Context, r *store.Recording) error
	GetRecording(ctx context.Context, id string) (*store.Recording, error)
	SetRenditionKey(ctx context.Context, id, key string) error
	SaveConsultationNote(ctx context.Context, n *store.ConsultationNote) error
	SaveMedicalNote(ctx context.Context, n *store.MedicalNote) error
}

// BlobStore is the object storage surface the handlers need.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}

// Server wires the REST and websocket surface of the telemedicine core.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	hub         *signaling.Hub
	rooms       Allocator
	metadata    MetadataStore
	blobs       BlobStore
	proxyClient *http.Client
}

func NewServer(cfg *config.Config, hub *signaling.Hub, rooms Allocator, metadata MetadataStore, blobs BlobStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.Named("http"),
		hub:         hub,
		rooms:       rooms,
		metadata:    metadata,
		blobs:       blobs,
		proxyClient: &http.Client{Timeout: cfg.Pipeline.RequestTimeout},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(OriginFilter(s.cfg.Server.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := JWTAuth(s.cfg.Auth.JWTSecret)

	r.GET("/ws/rooms/:roomId", auth, s.hub.HandleConnection)

	api := r.Group("/api", auth)
	{
		api.POST("/rooms", s.createRoom)
		api.GET("/rooms/:roomId", s.getRoom)
		api.DELETE("/rooms/:roomId", s.deleteRoom)

		api.POST("/recordings", s.uploadRecording)
		api.GET("/recordings/:id", s.getRecording)
		api.POST("/recordings/:id/transcode", s.transcodeRecording)

		api.POST("/transcribe", s.transcribe)
		api.POST("/generate-clinical-summary", s.generateClinicalSummary)

		api.POST("/consultation-notes", s.saveConsultationNote)
		api.POST("/medical-notes", s.saveMedicalNote)
	}

	return r
}
