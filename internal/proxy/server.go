// Package proxy is the HTTP surface: it accepts downstream requests, runs
// them through the transformer, talks to the upstream, and streams or
// buffers the converted result back.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lunarfang/ccbridge/internal/apierrors"
	"github.com/lunarfang/ccbridge/internal/config"
	log "github.com/lunarfang/ccbridge/internal/logging"
	"github.com/lunarfang/ccbridge/internal/streamutil"
	"github.com/lunarfang/ccbridge/internal/transform"
	"github.com/lunarfang/ccbridge/internal/usage"
)

// Server binds the loopback listener and owns the per-process pieces: the
// transformer, the upstream client, and the usage recorder.
type Server struct {
	cfg         *config.Config
	transformer *transform.Transformer
	upstream    *UpstreamClient
	recorder    *usage.Recorder
	stalls      *streamutil.StallWatcher
	engine      *gin.Engine

	// readyOut receives the PROXY_READY line; stdout in production, a
	// buffer in tests.
	readyOut io.Writer
}

// New assembles the server. recorder may be nil when usage tracking is off.
func New(cfg *config.Config, recorder *usage.Recorder) *Server {
	gin.SetMode(gin.ReleaseMode)

	var sink transform.DebugSink = transform.NopSink{}
	if cfg.DebugDir != "" {
		dirSink, err := transform.NewDirSink(cfg.DebugDir)
		if err != nil {
			log.WithError(err).Warnf("debug snapshots disabled")
		} else {
			sink = dirSink
		}
	}

	s := &Server{
		cfg:         cfg,
		transformer: transform.New(cfg, sink),
		upstream:    NewUpstreamClient(cfg),
		recorder:    recorder,
		stalls:      streamutil.DefaultStallWatcher(),
		readyOut:    os.Stdout,
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(log.GinLogrusLogger(), log.GinLogrusRecovery())

	engine.GET("/v1/models", s.handleModels)
	engine.GET("/v1/usage", s.handleUsage)

	// Any other path is the proxy endpoint: POST only.
	engine.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			writeError(c, apierrors.ErrMethodNotAllowed)
			return
		}
		s.handleMessages(c)
	})
	return engine
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run binds the loopback listener, announces readiness on readyOut as a
// single PROXY_READY:<port> line, and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind loopback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(s.readyOut, "PROXY_READY:%d\n", port)
	log.Infof("proxy listening on 127.0.0.1:%d", port)

	httpServer := &http.Server{Handler: s.engine}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleModels lists the advertised downstream model identifiers.
func (s *Server) handleModels(c *gin.Context) {
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	entries := make([]modelEntry, 0, len(s.cfg.Models)+1)
	for name := range s.cfg.Models {
		entries = append(entries, modelEntry{ID: name, Object: "model"})
	}
	if len(entries) == 0 {
		entries = append(entries, modelEntry{ID: s.cfg.DefaultModel, Object: "model"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

// handleUsage reports aggregate and per-model token accounting for the last
// 30 days. Returns zeros when usage tracking is disabled.
func (s *Server) handleUsage(c *gin.Context) {
	since := time.Now().AddDate(0, 0, -30)

	global, err := s.recorder.GlobalStats(c.Request.Context(), since)
	if err != nil {
		log.WithError(err).Errorf("usage stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"type":  "error",
			"error": gin.H{"type": "proxy_error", "message": "usage stats unavailable"},
		})
		return
	}
	models, err := s.recorder.PerModelStats(c.Request.Context(), since)
	if err != nil {
		log.WithError(err).Errorf("usage stats query failed")
		models = nil
	}

	type modelRow struct {
		Model        string `json:"model"`
		Requests     int64  `json:"requests"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
	}
	rows := make([]modelRow, 0, len(models))
	for _, m := range models {
		rows = append(rows, modelRow(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"total_requests": global.TotalRequests,
		"success_count":  global.SuccessCount,
		"failure_count":  global.FailureCount,
		"input_tokens":   global.InputTokens,
		"output_tokens":  global.OutputTokens,
		"models":         rows,
	})
}
