// Package httpapi is the gin-based HTTP adapter over the ingestion core.
// It is a thin glue layer translating REST requests into calls against
// uploadsession.Manager and catalogue.Store and mapping apperror.Error
// onto the JSON error envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/core/uploadsession"
	"github.com/quillhub/ingestflow/internal/domain/catalogue"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/caching"
	"github.com/quillhub/ingestflow/internal/platform/logging"
	"github.com/quillhub/ingestflow/internal/platform/principal"
)

// filesCacheTTL bounds how stale a cached GET /files listing may be before
// falling back to DynamoDB; notify.Receiver invalidates the key immediately
// on catalogue completion, so this is only a backstop for entries that
// never get an invalidation (e.g. a still-in-flight upload).
const filesCacheTTL = 5 * time.Minute

func filesCacheKey(ownerID string) string {
	return fmt.Sprintf("user:files:%s", ownerID)
}

const maxChunkBytes = 10 << 20 // 10MiB, per spec.md §6

// Orchestrator is the pipeline read-side the /status endpoint needs.
type Orchestrator interface {
	Status(fileID string) (*model.Pipeline, bool)
}

// Driver drives the post-assembly pipeline stages (storage/cleanup/...).
type Driver interface {
	Drive(ctx context.Context, fileID, ownerID string, meta model.FileMetadata, totalChunks int)
}

// Server wires the manager and its collaborators into gin routes.
type Server struct {
	manager    *uploadsession.Manager
	pipeline   Orchestrator
	catalogue  catalogue.Store
	cache      caching.CachingService
	driver     Driver
	verifier   principal.Verifier
	logger     logging.Logger
	pathPrefix string

	assembledPaths sync.Map // fileID -> local path, feeds archive.LocalPathResolver
}

// New builds a Server. pathPrefix mounts every route under that prefix
// (e.g. "/chunked"); an empty prefix mounts routes at the router root.
// Call SetDriver before serving traffic, since the driver itself is
// typically wired against Server.ResolveAssembledPath.
func New(manager *uploadsession.Manager, pipeline Orchestrator, cat catalogue.Store, cache caching.CachingService, verifier principal.Verifier, pathPrefix string, logger logging.Logger) *Server {
	return &Server{manager: manager, pipeline: pipeline, catalogue: cat, cache: cache, verifier: verifier, pathPrefix: pathPrefix, logger: logger}
}

// SetDriver binds the pipeline driver used to advance post-assembly stages.
func (s *Server) SetDriver(d Driver) {
	s.driver = d
}

// ResolveAssembledPath implements archive.LocalPathResolver: it returns the
// local path Assemble last wrote fileID to.
func (s *Server) ResolveAssembledPath(fileID string) (string, bool) {
	v, ok := s.assembledPaths.Load(fileID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Register mounts every REST route under s.pathPrefix.
func (s *Server) Register(router gin.IRouter) {
	group := router.Group(s.pathPrefix)
	group.Use(s.authMiddleware())

	group.POST("/init", s.handleInit)
	group.POST("/upload/:fileId/:chunkIndex", s.handleUploadChunk)
	group.GET("/resume/:fileId", s.handleResume)
	group.POST("/complete/:fileId", s.handleComplete)
	group.DELETE("/:fileId", s.handleCancel)
	group.GET("/status/:fileId", s.handleStatus)
	group.POST("/validate/:fileId", s.handleValidate)
	group.GET("/files", s.handleListFiles)
}

const principalKey = "principal"

func principalFrom(c *gin.Context) model.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(model.Principal)
	return p
}

// authorizeSession fetches fileID's session and enforces that the calling
// Principal is its owner, per spec.md §6's "Principal is derived and
// enforced as the session owner on every call." It writes the response
// itself and returns ok=false on any NotFound or ownership mismatch, so
// handlers can bail out with a single check.
func (s *Server) authorizeSession(c *gin.Context, fileID string) (*model.UploadSession, bool) {
	session, err := s.manager.Get(fileID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if session.OwnerID != principalFrom(c).ID {
		writeError(c, apperror.New(apperror.Unauthorized, "not the owner of this upload session"))
		return nil, false
	}
	return session, true
}

// authMiddleware verifies the bearer token and stores the Principal in the
// gin context for every downstream handler, per spec.md §6's "all
// endpoints require a valid bearer token" requirement.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			writeError(c, apperror.New(apperror.Unauthorized, "missing bearer token"))
			c.Abort()
			return
		}
		p, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			writeError(c, apperror.New(apperror.Unauthorized, "invalid token"))
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func writeError(c *gin.Context, err error) {
	var hint *apperror.RecoveryHint
	if apperror.Retryable(err) {
		hint = &apperror.RecoveryHint{Action: "retry", DelayMillis: 1000}
	} else {
		hint = &apperror.RecoveryHint{Action: "fail"}
	}
	c.JSON(apperror.HTTPStatus(err), apperror.ToBody(err, hint))
}

type initRequest struct {
	FileID       string `json:"fileId" binding:"required"`
	FileName     string `json:"fileName" binding:"required"`
	FileSize     uint64 `json:"fileSize" binding:"required"`
	FileType     string `json:"fileType"`
	ToolResource string `json:"toolResource"`
	AgentID      string `json:"agentId"`
}

func (s *Server) handleInit(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.Wrap(apperror.BadIndex, "invalid init body", err))
		return
	}

	meta := model.FileMetadata{
		Name:         req.FileName,
		Size:         req.FileSize,
		Type:         req.FileType,
		ToolResource: req.ToolResource,
		AgentID:      req.AgentID,
	}

	session, err := s.manager.Init(req.FileID, principalFrom(c), meta)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"fileId":      session.FileID,
		"totalChunks": session.TotalChunks,
		"chunkSize":   session.ChunkSize,
		"session": gin.H{
			"startTime": session.StartTime,
			"tempDir":   session.TempDir,
		},
	})
}

func (s *Server) handleUploadChunk(c *gin.Context) {
	fileID := c.Param("fileId")
	if _, ok := s.authorizeSession(c, fileID); !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("chunkIndex"))
	if err != nil {
		writeError(c, apperror.New(apperror.BadIndex, "chunkIndex must be an integer"))
		return
	}

	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		writeError(c, apperror.New(apperror.BadIndex, "missing chunk field"))
		return
	}
	defer file.Close()
	if header.Size > maxChunkBytes {
		writeError(c, apperror.New(apperror.SizeExceeded, "chunk exceeds 10MiB limit"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxChunkBytes+1))
	if err != nil {
		writeError(c, apperror.Wrap(apperror.IOError, "read chunk body", err))
		return
	}
	if len(data) > maxChunkBytes {
		writeError(c, apperror.New(apperror.SizeExceeded, "chunk exceeds 10MiB limit"))
		return
	}

	result, err := s.manager.UploadChunk(fileID, index, data, c.PostForm("chunkHash"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"progress":        result.Progress,
		"receivedChunks":  result.Received,
		"totalChunks":     result.Total,
		"alreadyReceived": result.AlreadyReceived,
	})
}

func (s *Server) handleResume(c *gin.Context) {
	if _, ok := s.authorizeSession(c, c.Param("fileId")); !ok {
		return
	}

	result, err := s.manager.Resume(c.Param("fileId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fileId":        c.Param("fileId"),
		"totalChunks":   result.Total,
		"receivedChunks": result.Received,
		"missingChunks": result.Missing,
		"progress":      result.Progress,
	})
}

type completeRequest struct {
	FinalPath    string `json:"finalPath" binding:"required"`
	ToolResource string `json:"toolResource"`
	AgentID      string `json:"agentId"`
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperror.New(apperror.BadIndex, "finalPath is required"))
		return
	}

	fileID := c.Param("fileId")

	session, sessErr := s.manager.Get(fileID)
	if sessErr == nil && session.OwnerID != principalFrom(c).ID {
		writeError(c, apperror.New(apperror.Unauthorized, "not the owner of this upload session"))
		return
	}

	result, err := s.manager.Assemble(fileID, req.FinalPath)
	if err != nil {
		writeError(c, err)
		return
	}

	if sessErr == nil {
		s.assembledPaths.Store(fileID, result.Path)
		go s.driver.Drive(context.Background(), fileID, session.OwnerID, session.Metadata, session.TotalChunks)
	} else {
		s.logger.Warn("httpapi: assembled but session already gone, skipping stage drive", "fileId", fileID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"filePath": result.Path,
		"size":     result.Size,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	if _, ok := s.authorizeSession(c, c.Param("fileId")); !ok {
		return
	}

	if err := s.manager.Cancel(c.Param("fileId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Upload cancelled"})
}

func (s *Server) handleStatus(c *gin.Context) {
	fileID := c.Param("fileId")

	session, sessErr := s.manager.Get(fileID)
	pipeline, pipeOK := s.pipeline.Status(fileID)

	if sessErr != nil && !pipeOK {
		writeError(c, apperror.ErrSessionNotFound)
		return
	}

	ownerID := ""
	if sessErr == nil {
		ownerID = session.OwnerID
	} else if pipeOK {
		ownerID = pipeline.OwnerID
	}
	if ownerID != principalFrom(c).ID {
		writeError(c, apperror.New(apperror.Unauthorized, "not the owner of this upload session"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"session":  session,
		"pipeline": pipeline,
	})
}

func (s *Server) handleValidate(c *gin.Context) {
	if _, ok := s.authorizeSession(c, c.Param("fileId")); !ok {
		return
	}

	valid, err := s.manager.Validate(c.Param("fileId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "valid": valid})
}

func (s *Server) handleListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	p := principalFrom(c)
	key := filesCacheKey(p.ID)

	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("httpapi: files cache read failed, falling back to catalogue", "owner", p.ID, "error", err)
	} else if ok {
		var records []model.FileRecord
		if err := json.Unmarshal([]byte(cached), &records); err == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "files": records})
			return
		}
		s.logger.Warn("httpapi: files cache entry unparseable, falling back to catalogue", "owner", p.ID)
	}

	records, err := s.catalogue.ListByOwner(ctx, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	if encoded, err := json.Marshal(records); err == nil {
		if err := s.cache.Set(ctx, key, string(encoded), filesCacheTTL); err != nil {
			s.logger.Warn("httpapi: files cache write failed", "owner", p.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "files": records})
}
