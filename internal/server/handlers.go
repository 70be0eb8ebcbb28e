package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/helper"
	"pdf-rag/internal/rag"
)

type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func respondError(c *gin.Context, err error) {
	p := rag.Describe(err)
	if p.Status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("session", sessionID(c)).Msg("Request failed")
	}
	c.JSON(p.Status, ErrorResponse{ErrorCode: p.Code, Message: p.Message})
}

func respondTooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
		ErrorCode: "file_too_large",
		Message:   "File size exceeds maximum limit",
	})
}

func (s *Server) handleIndex(c *gin.Context) {
	doc, _ := s.rag.Document(sessionID(c))
	var filename string
	if doc != nil {
		filename = doc.Filename
	}
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Filename": filename,
		"MaxMB":    s.cfg.Server.MaxUploadBytes >> 20,
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	if c.Request.ContentLength > s.cfg.Server.MaxUploadBytes {
		respondTooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadBytes)

	file, header, err := c.Request.FormFile("pdf")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respondTooLarge(c)
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			respondError(c, rag.ErrMissingDocument)
		default:
			c.JSON(http.StatusBadRequest, ErrorResponse{
				ErrorCode: "invalid_request",
				Message:   "Invalid upload request",
			})
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			ErrorCode: "file_read_error",
			Message:   "Failed to read file",
		})
		return
	}

	res, err := s.rag.Ingest(c.Request.Context(), sessionID(c), header.Filename, data, c.PostForm("api_key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type askRequest struct {
	Question string `json:"question" form:"question"`
	APIKey   string `json:"api_key" form:"api_key"`
}

type askResponse struct {
	Question   string       `json:"question"`
	Answer     string       `json:"answer"`
	AnswerHTML string       `json:"answer_html"`
	Source     string       `json:"source"`
	Sources    []sourcePage `json:"sources"`
}

type sourcePage struct {
	Source     string  `json:"source"`
	Page       int     `json:"page"`
	Similarity float32 `json:"similarity"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			ErrorCode: "invalid_request",
			Message:   "Invalid request data",
		})
		return
	}

	resp, err := s.rag.Ask(c.Request.Context(), sessionID(c), req.Question, req.APIKey)
	if err != nil {
		respondError(c, err)
		return
	}

	html, err := helper.RenderMarkdown(resp.Content)
	if err != nil {
		log.Warn().Err(err).Msg("Error rendering answer")
	}
	out := askResponse{
		Question:   resp.Query,
		Answer:     resp.Content,
		AnswerHTML: html,
		Source:     resp.Source,
		Sources:    make([]sourcePage, len(resp.Matches)),
	}
	for i, m := range resp.Matches {
		out.Sources[i] = sourcePage{Source: m.Page.Source, Page: m.Page.Number, Similarity: m.Similarity}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDocument(c *gin.Context) {
	doc, ok := s.rag.Document(sessionID(c))
	if !ok {
		respondError(c, rag.ErrNoDocument)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename": doc.Filename,
		"hash":     doc.Hash,
		"pages":    len(doc.Pages),
		"indexed":  doc.Indexed,
	})
}

func (s *Server) handleReset(c *gin.Context) {
	removed := s.rag.Reset(c.Request.Context(), sessionID(c))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
