package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"pdf-rag/internal/chromemdb"
	"pdf-rag/internal/config"
	"pdf-rag/internal/db"
	"pdf-rag/internal/helper"
	"pdf-rag/internal/index"
	"pdf-rag/internal/parser"
	"pdf-rag/internal/rag"
	"pdf-rag/internal/server"
	"pdf-rag/internal/session"
	"pdf-rag/internal/telemetry"
)

const (
	defaultConfigPath = "./configs/config.yaml"
	janitorInterval   = time.Minute
	cliSession        = "cli"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the config file")
	serve := flag.Bool("serve", false, "Start the web UI and API")
	filePath := flag.String("file", "", "Path to the PDF file")
	query := flag.String("query", "", "Question to be answered from the file")
	dryRun := flag.Bool("dry-run", false, "Parse the file and print its pages, do not embed")
	key := flag.String("key", "", "API key for the model provider")
	flag.Parse()

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error loading .env: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	helper.SetupLogger(cfg.Log.Level, cfg.Log.Pretty)
	log.Debug().Interface("config", cfg.Redacted()).Msg("Loaded config")

	switch {
	case *dryRun && *filePath != "":
		parseFile(*filePath)
	case *serve:
		if err := runServer(cfg); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	case *filePath != "" && *query != "":
		if err := askFile(cfg, *filePath, *query, *key); err != nil {
			p := rag.Describe(err)
			log.Error().Err(err).Str("code", p.Code).Msg("Error answering question")
			fmt.Fprintln(os.Stderr, p.Message)
			os.Exit(1)
		}
	default:
		log.Fatal().Msg("Please use -serve, or provide a document with -file and a question with -query")
	}
}

func parseFile(filePath string) {
	pages, err := parser.LoadPDF(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing document")
	}
	log.Info().Int("pages", len(pages)).Msg("Parsed content")
	helper.PrettyPrint(pages)
}

// newPipeline wires the index backend, the session cache and the model
// factories. The returned cleanup closes everything it opened.
func newPipeline(ctx context.Context, cfg *config.Config) (*rag.RAG, *session.Store, func(), error) {
	var (
		newIndex index.Factory
		closeDB  = func() {}
	)
	switch cfg.Index.Backend {
	case config.BackendPgvector:
		store, err := db.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		newIndex = store.NewIndex
		closeDB = func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing database")
			}
		}
	default:
		newIndex = chromemdb.NewManager().NewIndex
	}

	sessions := session.NewStore(time.Duration(cfg.Index.SessionTTLMinutes) * time.Minute)
	pipeline := rag.NewRAG(cfg, sessions, newIndex,
		rag.DefaultEmbedderFactory(cfg),
		rag.DefaultGeneratorFactory(&cfg.LLM),
	)
	cleanup := func() {
		sessions.Close(context.Background())
		closeDB()
	}
	return pipeline, sessions, cleanup, nil
}

func askFile(cfg *config.Config, filePath, query, key string) error {
	ctx := context.Background()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	pipeline, _, cleanup, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := pipeline.Ingest(ctx, cliSession, filepath.Base(filePath), data, key); err != nil {
		return err
	}
	response, err := pipeline.Ask(ctx, cliSession, query, key)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Source)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Content)
	return nil
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracer")
		}
	}()

	pipeline, sessions, cleanup, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	go sessions.Run(ctx, janitorInterval)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(cfg, pipeline).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server exited")
	return nil
}
