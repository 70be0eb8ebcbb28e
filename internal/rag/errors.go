package rag

import (
	"errors"
	"net/http"

	"pdf-rag/internal/llmservice"
)

var (
	ErrMissingDocument   = errors.New("no pdf file supplied")
	ErrMissingCredential = errors.New("no api key supplied")
	ErrMissingQuestion   = errors.New("no question supplied")
	ErrNoDocument        = errors.New("no document uploaded in this session")
	ErrParse             = errors.New("pdf could not be parsed")
	ErrNoText            = errors.New("pdf contains no extractable text")
)

// Problem is the user-facing form of an error.
type Problem struct {
	Code    string
	Message string
	Status  int
}

// Describe maps any pipeline error to the message shown to the user. Every
// request type goes through it, so the same failure reads the same way
// whether it happened during upload or while answering.
func Describe(err error) Problem {
	switch {
	case errors.Is(err, ErrMissingDocument):
		return Problem{"no_file", "Please upload a PDF file to get started.", http.StatusBadRequest}
	case errors.Is(err, ErrMissingCredential):
		return Problem{"missing_api_key", "Please enter your API key.", http.StatusBadRequest}
	case errors.Is(err, ErrMissingQuestion):
		return Problem{"missing_question", "Please type a question.", http.StatusBadRequest}
	case errors.Is(err, ErrNoDocument):
		return Problem{"no_document", "Upload a PDF before asking questions.", http.StatusConflict}
	case errors.Is(err, ErrParse):
		return Problem{"invalid_pdf", "The PDF could not be read. Please upload it again.", http.StatusUnprocessableEntity}
	case errors.Is(err, ErrNoText):
		return Problem{"no_text", "No text could be extracted from this PDF.", http.StatusUnprocessableEntity}
	case errors.Is(err, llmservice.ErrRateLimited):
		return Problem{"rate_limited", "The model is receiving too many requests. Please wait a moment and try again.", http.StatusTooManyRequests}
	case errors.Is(err, llmservice.ErrUnauthorized):
		return Problem{"invalid_api_key", "The API key was rejected. Please check it and try again.", http.StatusUnauthorized}
	case errors.Is(err, llmservice.ErrUnavailable):
		return Problem{"model_unavailable", "The model service is not responding. Please try again later.", http.StatusServiceUnavailable}
	default:
		return Problem{"internal_error", "Something went wrong. Please try again.", http.StatusInternalServerError}
	}
}
