// Command reliquary is the host runtime: it wires providers to an execution
// backend and exposes the session over MCP stdio so an agent harness can run
// code, manage skills, and reset state.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/reliquary/internal/artifacts"
	"github.com/HyphaGroup/reliquary/internal/config"
	"github.com/HyphaGroup/reliquary/internal/deps"
	"github.com/HyphaGroup/reliquary/internal/embed"
	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/executor/container"
	"github.com/HyphaGroup/reliquary/internal/executor/inprocess"
	"github.com/HyphaGroup/reliquary/internal/executor/subprocess"
	"github.com/HyphaGroup/reliquary/internal/janitor"
	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/session"
	"github.com/HyphaGroup/reliquary/internal/skills"
	"github.com/HyphaGroup/reliquary/internal/skills/index"
	"github.com/HyphaGroup/reliquary/internal/tools"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to reliquary.json")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reliquary %s\n", Version)
		return
	}

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "reliquary: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}

	// Stdout carries the MCP stdio transport; logs go to stderr and file.
	logDir := cfg.Server.LogDir
	if logDir == "" {
		logDir = filepath.Join(cfg.Server.DataDir, "logs")
	}
	if err := logger.InitSlog(logDir, true); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.CloseSlog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, cleanup, err := buildSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "reliquary",
		Version: Version,
	}, nil)
	registerServerTools(server, sess, time.Duration(cfg.Executor.TimeoutSecs)*time.Second)

	logger.Slog().Info("reliquary serving on stdio",
		"backend", cfg.Executor.Backend,
		"session_id", sess.ID(),
		"version", Version)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// buildSession assembles providers and the configured backend into a started
// session. The returned cleanup closes everything in reverse order.
func buildSession(ctx context.Context, cfg *config.Config) (*session.Session, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*session.Session, func(), error) {
		cleanup()
		return nil, nil, err
	}

	dataDir := cfg.Server.DataDir

	skillStore, err := skills.NewSQLiteStore(dataDir)
	if err != nil {
		return fail(fmt.Errorf("open skill store: %w", err))
	}
	closers = append(closers, func() { skillStore.Close() })

	searcher, closeSearch, err := buildSearcher(cfg, dataDir)
	if err != nil {
		return fail(err)
	}
	if closeSearch != nil {
		closers = append(closers, closeSearch)
	}
	library := skills.NewLibrary(skillStore, searcher, "local")

	artifactStore, err := artifacts.NewSQLiteStore(dataDir)
	if err != nil {
		return fail(fmt.Errorf("open artifact store: %w", err))
	}
	closers = append(closers, func() { artifactStore.Close() })

	envMgr := subprocess.NewEnvManager(dataDir)
	env, err := envMgr.Provision(cfg.Executor.SpecName)
	if err != nil {
		return fail(fmt.Errorf("provision environment: %w", err))
	}

	depStore, err := deps.NewSQLiteStore(dataDir)
	if err != nil {
		return fail(fmt.Errorf("open dependency store: %w", err))
	}
	closers = append(closers, func() { depStore.Close() })
	installer := deps.NewInstaller(cfg.Deps.Installer, env.ModulesDir)
	depMgr := deps.NewManagerWithStore(depStore, installer, deps.NewInstallCache())

	registry, err := buildRegistry(ctx, cfg, &closers)
	if err != nil {
		return fail(err)
	}

	providers := provider.Providers{
		Tools:     registry,
		Skills:    library,
		Artifacts: artifactStore,
		Deps:      depMgr,
	}

	backend, providers, err := buildBackend(cfg, providers, env.ModulesDir)
	if err != nil {
		return fail(err)
	}

	sess := session.New(backend, providers)
	if err := sess.Start(); err != nil {
		return fail(fmt.Errorf("start session: %w", err))
	}
	closers = append(closers, func() { sess.Close() })

	if !cfg.Janitor.Disabled {
		jan, err := janitor.New(cfg.Janitor.Schedule)
		if err != nil {
			return fail(fmt.Errorf("janitor: %w", err))
		}
		jan.Add(janitor.EnvPruneTask(envMgr, time.Duration(cfg.Janitor.EnvMaxAgeHrs)*time.Hour))
		if vc, ok := searcherCache(searcher); ok {
			jan.Add(janitor.VectorGCTask(skillStore, vc))
		}
		if err := jan.Start(); err != nil {
			return fail(err)
		}
		closers = append(closers, jan.Stop)
	}

	return sess, cleanup, nil
}

// buildSearcher picks the vector cache (qdrant when configured, sqlite
// otherwise) and wraps the embedder so the model loads in the background.
func buildSearcher(cfg *config.Config, dataDir string) (skills.Searcher, func(), error) {
	emb := cfg.Skills.Embedding
	lazy := embed.NewLazy(func(ctx context.Context) (embed.Embedder, error) {
		return embed.NewOllamaEmbedder(emb.Endpoint, emb.Model, emb.MaxRPS), nil
	})
	lazy.StartLoading()

	if cfg.Skills.QdrantAddr != "" {
		cache, err := index.NewQdrantCache(cfg.Skills.QdrantAddr, cfg.Skills.Collection, embed.Dimensions(emb.Model))
		if err != nil {
			return nil, nil, fmt.Errorf("connect qdrant: %w", err)
		}
		return &cachedSearcher{Index: index.New(lazy, cache, index.DefaultOptions()), cache: cache}, func() { cache.Close() }, nil
	}

	cache, err := index.NewSQLiteCache(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector cache: %w", err)
	}
	return &cachedSearcher{Index: index.New(lazy, cache, index.DefaultOptions()), cache: cache}, func() { cache.Close() }, nil
}

// cachedSearcher keeps the vector cache reachable for janitor wiring.
type cachedSearcher struct {
	*index.Index
	cache index.VectorCache
}

func searcherCache(s skills.Searcher) (index.VectorCache, bool) {
	if cs, ok := s.(*cachedSearcher); ok {
		return cs.cache, true
	}
	return nil, false
}

// buildRegistry loads command tools and connects configured MCP servers.
func buildRegistry(ctx context.Context, cfg *config.Config, closers *[]func()) (*tools.Registry, error) {
	registry := tools.NewRegistry(0)

	if cfg.Tools.CommandFile != "" {
		parsed, err := tools.LoadCommandTools(cfg.Tools.CommandFile, nil)
		if err != nil {
			return nil, fmt.Errorf("load command tools: %w", err)
		}
		for _, t := range parsed {
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}

	for name, srv := range cfg.Tools.MCPServers {
		cmd := exec.Command(srv.Command, srv.Args...)
		tool, mcpSession, err := tools.ConnectMCP(ctx, name, srv.Description, cmd)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { mcpSession.Close() })
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildBackend creates the configured executor. The container backend cannot
// bridge host providers, so they are dropped with a warning there.
func buildBackend(cfg *config.Config, providers provider.Providers, modulesDir string) (executor.Executor, provider.Providers, error) {
	switch cfg.Executor.Backend {
	case "inprocess":
		return inprocess.New(inprocess.Options{ModulesDir: modulesDir}), providers, nil
	case "subprocess":
		return subprocess.New(subprocess.Options{
			WorkerPath: cfg.Executor.WorkerPath,
			CacheDir:   cfg.Server.DataDir,
			SpecName:   cfg.Executor.SpecName,
			PersistEnv: cfg.Executor.PersistEnv,
		}), providers, nil
	case "container":
		logger.Slog().Warn("container backend cannot bridge host providers; namespace bindings disabled")
		return container.New(container.Options{
			Image:       cfg.Executor.Image,
			NetworkMode: cfg.Executor.NetworkMode,
		}), provider.Providers{}, nil
	default:
		return nil, providers, fmt.Errorf("unknown backend %q", cfg.Executor.Backend)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Slog().Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Slog().Error("metrics server failed", "err", err)
	}
}
