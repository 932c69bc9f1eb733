package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/drop"
	"dropscan/pkg/extract"
	"dropscan/pkg/resolver"
	"dropscan/pkg/store"
)

const maxUploadBytes = 16 << 20

// dropAnalyzer is the part of drop.Analyzer the API needs.
type dropAnalyzer interface {
	AnalyzeDrop(ctx context.Context, data []byte) (drop.Result, error)
}

type server struct {
	analyzer  dropAnalyzer
	resolver  *resolver.Resolver
	store     store.Store
	prefix    store.PrefixMode
	client    *http.Client
	jwtSecret []byte
	log       *zap.Logger
}

func setupRoutes(r *gin.Engine, s *server) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	api := r.Group("")
	if len(s.jwtSecret) > 0 {
		api.Use(jwtAuthMiddleware(s.jwtSecret))
	}
	api.POST("/drops", s.analyzeDropHandler)
	api.GET("/characters", s.resolveHandler)
	api.POST("/characters", s.recordHandler)
	api.POST("/characters/resolve-batch", s.resolveBatchHandler)
}

// analyzeDropHandler accepts a multipart "file" or a form "url" pointing at
// the drop attachment.
func (s *server) analyzeDropHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		data   []byte
		source string
		err    error
	)
	if fh, ferr := c.FormFile("file"); ferr == nil {
		source = fh.Filename
		if fh.Size > maxUploadBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file too large (max 16MB)"})
			return
		}
		f, oerr := fh.Open()
		if oerr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file unreadable"})
			return
		}
		data, err = io.ReadAll(f)
		_ = f.Close()
	} else {
		source = c.PostForm("url")
		data, err = drop.Fetch(ctx, s.client, source)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.analyzer.AnalyzeDrop(ctx, data)
	scan := models.DropScan{DropID: res.DropID, Source: source, SlotCount: res.Slots, Resolved: res.Resolved()}
	if err != nil {
		scan.Fail(err)
	}
	if scan.DropID != "" {
		if rerr := s.store.RecordScan(ctx, &scan); rerr != nil {
			s.log.Warn("record scan", zap.String("drop_id", scan.DropID), zap.Error(rerr))
		}
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drop_id": res.DropID, "cards": res.Cards})
}

func (s *server) resolveHandler(c *gin.Context) {
	name, series := c.Query("name"), c.Query("series")
	if name == "" || series == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and series are required"})
		return
	}
	ch, err := s.resolver.Resolve(c.Request.Context(), name, series)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

// recordHandler upserts characters given as a JSON array, or as bot reply
// text when the "format" query parameter names an extractor.
func (s *server) recordHandler(c *gin.Context) {
	var chars []models.Character
	if format := c.Query("format"); format != "" {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body unreadable"})
			return
		}
		chars, err = extract.Parse(extract.Format(format), string(body))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else if err := c.ShouldBindJSON(&chars); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.resolver.RecordAll(c.Request.Context(), chars)
	if err != nil {
		if errors.Is(err, store.ErrStore) {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "recorded": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": n})
}

func (s *server) resolveBatchHandler(c *gin.Context) {
	var req struct {
		Mode    string           `json:"mode"`
		Queries []resolver.Query `json:"queries" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := s.prefix
	if req.Mode != "" {
		m, err := store.ParsePrefixMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode = m
	}
	out, err := s.resolver.ResolveBatch(c.Request.Context(), mode, req.Queries)
	if errors.Is(err, resolver.ErrBatchSize) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": out})
}

// fail maps pipeline errors to a status and a single message.
func (s *server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if drop.IsClientError(err) {
		status = http.StatusBadRequest
	} else {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
