// Package cliutil is the composition root REM's two entrypoints share:
// cmd/remd (the HTTP service) and cmd/rem (the operator CLI) both wire
// their dependency graph through Bootstrap rather than duplicating it,
// the same way pkg/cortex.New assembles one runtime other callers reuse.
package cliutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/assembler"
	"github.com/percolation-labs/rem/internal/config"
	"github.com/percolation-labs/rem/internal/dreaming"
	"github.com/percolation-labs/rem/internal/embed"
	"github.com/percolation-labs/rem/internal/filestore"
	"github.com/percolation-labs/rem/internal/llm"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/moments"
	"github.com/percolation-labs/rem/internal/orchestrator"
	"github.com/percolation-labs/rem/internal/remquery"
	"github.com/percolation-labs/rem/internal/session"
	"github.com/percolation-labs/rem/internal/storage"
	"github.com/percolation-labs/rem/internal/toolregistry"
)

// App is the fully wired dependency graph for one tenant's worth of REM
// request handling. Components are exported so cmd/remd's HTTP handlers
// and cmd/rem's subcommands can reach whichever piece they need without
// Bootstrap growing a method per caller.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Entities  *models.Registry
	LLMs      *llm.Registry
	Embeds    *embed.Registry
	Query     *remquery.Engine
	Files     *filestore.Adapter
	Sessions  *session.Store
	Assembler *assembler.Assembler
	Tools     *toolregistry.Registry
	Factory   *agentfactory.Factory
	Moments   *moments.Builder
	Dreaming  *dreaming.Worker
	Run       *orchestrator.Orchestrator

	closeDB func() error
}

// Option customizes Bootstrap, primarily to inject fakes for tests.
type Option func(*options)

type options struct {
	store storage.Store
	files filestore.FileStore
}

// WithStore injects a storage.Store (e.g. storagetest.Fake) instead of
// opening a real Postgres connection.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFileStore injects a filestore.FileStore instead of the one Bootstrap
// would otherwise build from cfg.Storage.
func WithFileStore(fs filestore.FileStore) Option {
	return func(o *options) { o.files = fs }
}

// Bootstrap wires one tenant's App from cfg. tenantID scopes the session
// store.
func Bootstrap(ctx context.Context, cfg *config.Config, tenantID string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	var closeDB func() error
	if store == nil {
		pg, err := storage.Open(ctx, storage.Config{
			DSN:             cfg.Postgres.ConnectionString,
			MinConns:        cfg.Postgres.PoolMinSize,
			MaxConns:        cfg.Postgres.PoolMaxSize,
			ConnMaxLifetime: 30 * time.Minute,
			Logger:          slog.Default(),
		})
		if err != nil {
			return nil, fmt.Errorf("cliutil: opening storage: %w", err)
		}
		store = pg
		closeDB = pg.Close
	}

	entities := models.CoreRegistry()

	llms := llm.NewRegistry()
	if cfg.LLM.OpenAIAPIKey != "" {
		llms.Register("openai", llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, "", http.DefaultClient))
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		llms.Register("anthropic", llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, http.DefaultClient))
	}

	embeds := embed.NewRegistry()
	if cfg.LLM.OpenAIAPIKey != "" {
		embeds.Register("openai", embed.NewOpenAI(cfg.LLM.OpenAIAPIKey))
	}

	query := remquery.New(store, entities, embeds)

	files := o.files
	if files == nil {
		var err error
		files, err = buildFileStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	sessions := session.New(tenantID, store, session.NewCompressor(cfg.Session.CompressAfterTurns))
	asm := assembler.New(sessions)

	tools := toolregistry.New(toolregistry.Deps{
		Store:        store,
		Query:        query,
		Entities:     entities,
		LLMs:         llms,
		PlannerModel: cfg.LLM.PlannerModel,
		Files:        filestore.NewAdapter(files),
	})

	factory := agentfactory.New(agentfactory.NewCache(store), tools, llms)
	momentBuilder := moments.New(store, llms, cfg.LLM.DefaultModel, moments.DefaultPolicy())
	dreamWorker := dreaming.New(store, llms, embeds, factory, cfg.LLM.DefaultModel, "openai:"+embed.DefaultModel)
	run := orchestrator.New(factory, asm, sessions)

	return &App{
		Config:    cfg,
		Store:     store,
		Entities:  entities,
		LLMs:      llms,
		Embeds:    embeds,
		Query:     query,
		Files:     filestore.NewAdapter(files),
		Sessions:  sessions,
		Assembler: asm,
		Tools:     tools,
		Factory:   factory,
		Moments:   momentBuilder,
		Dreaming:  dreamWorker,
		Run:       run,
		closeDB:   closeDB,
	}, nil
}

// Close releases the underlying database connection pool, if Bootstrap
// opened one itself.
func (a *App) Close() error {
	if a.closeDB != nil {
		return a.closeDB()
	}
	return nil
}

func buildFileStore(ctx context.Context, cfg config.StorageConfig) (filestore.FileStore, error) {
	switch cfg.Backend {
	case "", "local":
		return filestore.NewLocal(cfg.LocalRoot)
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("cliutil: loading AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			}
			o.UsePathStyle = cfg.S3EndpointURL != ""
		})
		return filestore.NewS3(client, cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		return nil, fmt.Errorf("cliutil: unknown storage backend %q", cfg.Backend)
	}
}
