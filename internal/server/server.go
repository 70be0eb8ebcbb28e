package server

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"pdf-rag/internal/config"
	"pdf-rag/internal/rag"
)

//go:embed web/index.html
var webFS embed.FS

const sessionCookie = "pdfrag_session"

type Server struct {
	cfg    *config.Config
	rag    *rag.RAG
	engine *gin.Engine
}

func New(cfg *config.Config, r *rag.RAG) *Server {
	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	engine.Use(accessLog())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	if len(cfg.Server.CORSOrigins) == 1 && cfg.Server.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	engine.Use(cors.New(corsConfig))

	engine.SetHTMLTemplate(template.Must(template.ParseFS(webFS, "web/index.html")))

	s := &Server{cfg: cfg, rag: r, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	s.engine.GET("/", s.withSession(), s.handleIndex)

	api := s.engine.Group("/api", s.withSession())
	api.POST("/upload", s.handleUpload)
	api.POST("/ask", s.handleAsk)
	api.GET("/document", s.handleDocument)
	api.DELETE("/document", s.handleReset)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}
