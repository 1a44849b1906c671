// Package server parses server command flags and starts the engine's
// HTTP runtime.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/louisbranch/storycanon/internal/engine"
	"github.com/louisbranch/storycanon/internal/extractor"
	"github.com/louisbranch/storycanon/internal/llm"
	entrypoint "github.com/louisbranch/storycanon/internal/platform/cmd"
	"github.com/louisbranch/storycanon/internal/rag"
	httpserver "github.com/louisbranch/storycanon/internal/server"
	"github.com/louisbranch/storycanon/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Config holds server command configuration.
type Config struct {
	Addr           string `env:"STORYCANON_ADDR" envDefault:":8080"`
	DBPath         string `env:"STORYCANON_DB_PATH" envDefault:"storycanon.db"`
	APIKey         string `env:"STORYCANON_API_KEY"`
	LLMBaseURL     string `env:"STORYCANON_LLM_BASE_URL"`
	LLMModel       string `env:"STORYCANON_LLM_MODEL"`
	EmbeddingModel string `env:"STORYCANON_EMBEDDING_MODEL"`
	RAGIndexDir    string `env:"STORYCANON_RAG_INDEX_DIR"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.RAGIndexDir, "rag-index-dir", cfg.RAGIndexDir, "Directory holding world-bible indices (empty disables retrieval)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the consistency-engine HTTP service and blocks until ctx is
// cancelled or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		client, err := llm.New(llm.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		})
		if err != nil {
			return fmt.Errorf("configure llm client: %w", err)
		}
		eng := engine.New(store, extractor.New(client))

		var retriever httpserver.RAG
		if cfg.RAGIndexDir != "" {
			embedder, err := llm.NewEmbedder(llm.Config{
				APIKey:  cfg.APIKey,
				BaseURL: cfg.LLMBaseURL,
			})
			if err != nil {
				return fmt.Errorf("configure embedder: %w", err)
			}
			retriever = rag.New(embedder, cfg.RAGIndexDir, cfg.EmbeddingModel)
		} else {
			log.Printf("retrieval disabled: no index directory configured")
		}

		srv := &http.Server{
			Addr:    cfg.Addr,
			Handler: httpserver.New(eng, retriever).Handler(),
		}
		errCh := make(chan error, 1)
		go func() {
			log.Printf("listening on %s", cfg.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	})
}
