// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptchain/internal/game"
)

// maxUploadBytes caps a seed image upload.
const maxUploadBytes = 16 << 20

// Service is the orchestrator surface the handlers need.
type Service interface {
	CreateSession(participants int) (game.Snapshot, error)
	UploadSeed(ctx context.Context, id, filename string, data []byte) (game.Snapshot, error)
	GenerateSeed(ctx context.Context, id, prompt string) (game.Snapshot, error)
	SubmitTurn(ctx context.Context, id, prompt string) (game.RoundResult, error)
	Status(id string) (game.Snapshot, error)
	ResetSession(id string) (game.Snapshot, error)
	ScoreSession(ctx context.Context, id string) (game.ScoreResult, error)
	Image(ctx context.Context, id string, index int) ([]byte, string, error)
}

type Server struct {
	svc Service
}

func New(svc Service) *Server {
	return &Server{svc: svc}
}

// statusView adds derived fields to a snapshot.
type statusView struct {
	game.Snapshot
	Progress     float64 `json:"progressPercentage"`
	IsComplete   bool    `json:"isGameComplete"`
	PlayerRounds int     `json:"completedTurns"`
}

func view(s game.Snapshot) statusView {
	return statusView{
		Snapshot:     s,
		Progress:     s.Progress(),
		IsComplete:   s.Status == game.StatusCompleted,
		PlayerRounds: len(s.PlayerPrompts()),
	}
}

// Mount registers the REST routes on r.
func (s *Server) Mount(r gin.IRouter) {
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	}
	r.GET("/health", health)

	api := r.Group("/api")
	api.GET("/health", health)
	api.POST("/game/create", s.create)
	g := api.Group("/game/:id")
	g.POST("/upload-image", s.uploadImage)
	g.POST("/generate-seed", s.generateSeed)
	g.POST("/submit-prompt", s.submitPrompt)
	g.GET("/status", s.status)
	g.GET("/image/:index", s.image)
	g.POST("/reset", s.reset)
	g.POST("/score", s.score)
}

func (s *Server) create(c *gin.Context) {
	var req struct {
		NumPlayers *int `json:"numPlayers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.NumPlayers == nil {
		badRequest(c, "numPlayers is required")
		return
	}
	snap, err := s.svc.CreateSession(*req.NumPlayers)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(snap))
}

func (s *Server) uploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("image")
	if err != nil {
		badRequest(c, "no image file provided")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "cannot read uploaded file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "cannot read uploaded file")
		return
	}
	snap, err := s.svc.UploadSeed(c.Request.Context(), c.Param("id"), fh.Filename, data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(snap))
}

func (s *Server) generateSeed(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "prompt is required")
		return
	}
	snap, err := s.svc.GenerateSeed(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(snap))
}

func (s *Server) submitPrompt(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "prompt is required")
		return
	}
	res, err := s.svc.SubmitTurn(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) status(c *gin.Context) {
	snap, err := s.svc.Status(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(snap))
}

func (s *Server) image(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "image index must be a number")
		return
	}
	data, contentType, err := s.svc.Image(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) reset(c *gin.Context) {
	snap, err := s.svc.ResetSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(snap))
}

func (s *Server) score(c *gin.Context) {
	res, err := s.svc.ScoreSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StatusCode maps a domain error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, game.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, game.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, game.ErrTransformationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": game.Code(err), "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": game.Code(game.ErrInvalidParameter), "message": msg})
}
