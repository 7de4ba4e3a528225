package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantrylabs/gantry/pkg/acl"
	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/blob"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/evaluation"
	"github.com/gantrylabs/gantry/pkg/hydration"
	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/linking/packs"
	"github.com/gantrylabs/gantry/pkg/locks"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/regression"
	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/secrets"
	"github.com/gantrylabs/gantry/pkg/server"
	"github.com/gantrylabs/gantry/pkg/store"
)

// services bundles every long-lived component the subcommands share:
// serve mounts the HTTP surface over it, worker runs its consumers and
// the scheduler, evaluate drives the harness directly.
type services struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *store.DB
	redis redis.UniversalClient
	queue *queue.Queue
	obs   *observability.Provider

	policies    *store.PolicyRepo
	sources     *store.SourceRepo
	runs        *store.RunRepo
	items       *store.ItemRepo
	alerts      *store.AlertRepo
	links       *store.LinkRepo
	evalRuns    *store.EvalRunRepo
	groundTruth *store.GroundTruthRepo

	scanner  *scanner.Scanner
	auditor  *audit.Logger
	limiter  *ratelimit.Limiter
	engine   *policy.Engine
	aclMgr   *acl.Manager
	registry *hydration.Registry
	pipeline *hydration.Pipeline
	linker   *linking.Engine
	harness  *evaluation.Harness
	guard    *regression.Guard
	sessions *auth.SessionValidator
}

//nolint:gocognit // Assembly is linear and intentionally exhaustive.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db
	if err := store.Migrate(ctx, db); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", "driver", cfg.DatabaseDriver)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gantry",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
		Enabled:        cfg.TracingOn,
		Insecure:       true,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.obs = obs

	var lockMgr locks.Manager = locks.NewMemoryManager()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "error", err)
		}
		s.redis = client
		s.queue = queue.New(client, logger, queue.Options{})
		lockMgr = locks.NewRedisManager(client, logger)
	}

	s.policies = store.NewPolicyRepo(db)
	principals := store.NewPrincipalRepo(db)
	projects := store.NewProjectRepo(db)
	acls := store.NewACLRepo(db)
	patterns := store.NewPatternRepo(db)
	rateCfgs := store.NewRateLimitConfigRepo(db)
	s.sources = store.NewSourceRepo(db)
	s.runs = store.NewRunRepo(db)
	s.items = store.NewItemRepo(db)
	s.alerts = store.NewAlertRepo(db)
	s.links = store.NewLinkRepo(db)
	s.evalRuns = store.NewEvalRunRepo(db)
	s.groundTruth = store.NewGroundTruthRepo(db)

	if cfg.SeedDir != "" {
		if err := applySeed(ctx, cfg.SeedDir, s.policies, principals, rateCfgs, patterns, logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("apply seed profiles: %w", err)
		}
	}

	sc := scanner.New(logger)
	if cfg.MLScannerEnabled && cfg.MLScannerURL != "" {
		sc = sc.WithML(scanner.NewHTTPClassifier(cfg.MLScannerURL, ""), cfg.MLScannerThreshold)
	}
	if n, err := sc.MergePatterns(ctx, patterns); err != nil {
		logger.Warn("loading prohibited patterns failed", "error", err)
	} else if n > 0 {
		logger.Info("prohibited patterns loaded", "count", n)
	}
	s.scanner = sc

	auditor, err := audit.New(ctx, store.NewAuditRepo(db))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	s.auditor = auditor

	s.limiter = ratelimit.New(store.NewRateCounterRepo(db), rateCfgs)
	s.engine = policy.New(ctx, s.limiter, sc, auditor, s.policies, principals, acls, logger)
	s.aclMgr = acl.NewManager(acls, principals, projects)

	embedder, vectors := buildEmbeddings(ctx, cfg, db, logger)

	linkOpts := []linking.Option{
		linking.WithThreshold(cfg.LinkThreshold),
		linking.WithObservability(obs),
	}
	if embedder != nil && vectors != nil {
		linkOpts = append(linkOpts, linking.WithEmbeddings(embedder, vectors))
	}
	linker := linking.NewEngine(store.NewEntityRepo(db), s.links, logger, linkOpts...)
	for _, p := range packs.All() {
		if err := linker.RegisterPack(p); err != nil {
			s.Close()
			return nil, fmt.Errorf("register pack: %w", err)
		}
	}
	s.linker = linker

	var routerOpts []hydration.RouterOption
	if cfg.HydrationOCREnabled && cfg.HydrationOCRURL != "" {
		routerOpts = append(routerOpts, hydration.WithOCR(hydration.NewHTTPOCR(cfg.HydrationOCRURL, "")))
	}
	extractor := hydration.NewRouter(logger, routerOpts...)

	blobStore, err := blob.New(ctx, blob.Config{
		Backend: cfg.BlobBackend,
		FSRoot:  cfg.BlobFSRoot,
		Bucket:  cfg.BlobBucket,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}

	resolver, err := buildSecretsResolver(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.registry = hydration.DefaultRegistry()
	pipeOpts := []hydration.Option{
		hydration.WithBlobStore(blobStore),
		hydration.WithExtractor(extractor),
		hydration.WithULE(linking.NewHook(linker)),
		hydration.WithLockTTL(cfg.LockTTL),
		hydration.WithMaxFiles(cfg.HydrationMaxFilesPerRun),
		hydration.WithObservability(obs),
	}
	if embedder != nil && vectors != nil {
		pipeOpts = append(pipeOpts, hydration.WithIndexer(hydration.NewVectorIndexer(embedder, vectors, logger)))
	}
	s.pipeline = hydration.NewPipeline(hydration.Stores{
		Sources:   s.sources,
		States:    store.NewStateRepo(db),
		Runs:      s.runs,
		Items:     s.items,
		Documents: store.NewDocumentRepo(db),
		Versions:  store.NewVersionRepo(db),
		Alerts:    s.alerts,
	}, s.registry, resolver, lockMgr, logger, pipeOpts...)

	s.harness = evaluation.NewHarness(
		evaluation.Defaults(s.engine),
		s.evalRuns,
		s.groundTruth,
		s.alerts,
		logger,
		evaluation.WithObservability(obs),
	)

	s.guard = regression.NewGuard(regression.Stores{
		Requests:   store.NewPromotionRepo(db),
		Checks:     store.NewCheckRepo(db),
		Thresholds: store.NewThresholdRepo(db),
		Versions:   store.NewComponentVersionRepo(db),
	}, s.harness, s.engine, logger, regression.WithObservability(obs))

	if cfg.JWTSecret != "" {
		s.sessions = auth.NewSessionValidator([]byte(cfg.JWTSecret), "gantry")
	}

	return s, nil
}

// serverDeps adapts the assembled services to the HTTP layer.
func (s *services) serverDeps() server.Deps {
	return server.Deps{
		DB:          s.db,
		Redis:       s.redis,
		Queue:       s.queue,
		Engine:      s.engine,
		Limiter:     s.limiter,
		ACL:         s.aclMgr,
		Audit:       s.auditor,
		Scanner:     s.scanner,
		Policies:    s.policies,
		Connectors:  s.registry,
		Sources:     s.sources,
		Runs:        s.runs,
		Items:       s.items,
		Alerts:      s.alerts,
		Linker:      s.linker,
		Links:       s.links,
		Harness:     s.harness,
		EvalRuns:    s.evalRuns,
		Guard:       s.guard,
		Sessions:    s.sessions,
		Logger:      s.logger,
		CORSOrigins: s.cfg.CORSOrigins,
		GlobalRPS:   s.cfg.GlobalRPS,
		GlobalBurst: s.cfg.GlobalBurst,
	}
}

func (s *services) Close() {
	if s.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.obs.Shutdown(ctx)
		cancel()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// buildEmbeddings picks the embedding provider and its vector store. The
// pgvector store needs the extension; when it is missing the process
// stays up with the in-memory store and a warning instead of refusing to
// start.
func buildEmbeddings(ctx context.Context, cfg *config.Config, db *store.DB, logger *slog.Logger) (store.Embedder, store.VectorStore) {
	switch cfg.EmbeddingProvider {
	case "remote":
		embedder := store.NewRemoteEmbedder(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if cfg.DatabaseDriver == "postgres" {
			vectors, err := store.NewPGVectorStore(ctx, db, cfg.EmbeddingDimensions)
			if err == nil {
				return embedder, vectors
			}
			logger.Warn("pgvector unavailable, falling back to memory vectors", "error", err)
		}
		return embedder, store.NewMemoryVectorStore()
	case "memory":
		return store.NewMemoryEmbedder(cfg.EmbeddingDimensions), store.NewMemoryVectorStore()
	default:
		return nil, nil
	}
}

func buildSecretsResolver(cfg *config.Config) (secrets.Resolver, error) {
	byScheme := map[string]secrets.Resolver{
		"env": secrets.EnvResolver{},
	}
	if cfg.SecretsMasterKey != "" {
		keyring, err := secrets.NewKeyring(cfg.SecretsMasterKey)
		if err != nil {
			return nil, fmt.Errorf("secrets keyring: %w", err)
		}
		fileResolver, err := secrets.NewFileResolver(cfg.SecretsDir, keyring)
		if err != nil {
			return nil, fmt.Errorf("secrets resolver: %w", err)
		}
		byScheme["file"] = fileResolver
	}
	return secrets.NewChainResolver(byScheme), nil
}

// applySeed loads the seed profiles and writes any rows not already
// present. Principals dedupe by email, policies by name, patterns by
// regex; rate limits always upsert so profile edits take effect.
func applySeed(ctx context.Context, dir string, policies *store.PolicyRepo, principals *store.PrincipalRepo, rates *store.RateLimitConfigRepo, patterns *store.PatternRepo, logger *slog.Logger) error {
	profile, err := config.LoadSeedDir(dir)
	if err != nil {
		return err
	}

	var created int
	for _, sp := range profile.Principals {
		_, err := principals.GetByEmail(ctx, sp.Email)
		if err == nil {
			continue
		}
		if !errors.Is(err, api.ErrNotFound) {
			return err
		}
		if err := principals.Create(ctx, &store.Principal{Name: sp.Name, Email: sp.Email, Role: sp.Role}); err != nil {
			return err
		}
		created++
	}

	for _, sp := range profile.Policies {
		_, err := policies.GetByName(ctx, sp.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, api.ErrNotFound) {
			return err
		}
		if err := policies.Create(ctx, &store.Policy{
			Name:     sp.Name,
			Type:     sp.Type,
			Rules:    store.JSONMap(sp.Rules),
			Enabled:  sp.Enabled,
			Priority: sp.Priority,
		}); err != nil {
			return err
		}
		created++
	}

	for endpoint, rule := range profile.RateLimits {
		if err := rates.Upsert(ctx, &store.RateLimitConfig{
			Endpoint:      endpoint,
			LimitValue:    rule.Limit,
			WindowSeconds: rule.WindowSeconds,
		}); err != nil {
			return err
		}
	}

	existing, err := patterns.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Regex] = true
	}
	for _, sp := range profile.Patterns {
		if known[sp.Regex] {
			continue
		}
		if err := patterns.Create(ctx, &store.ProhibitedPattern{
			Type:        sp.Type,
			Regex:       sp.Regex,
			Severity:    sp.Severity,
			Enabled:     sp.Enabled,
			Description: sp.Description,
		}); err != nil {
			return err
		}
		created++
	}

	logger.Info("seed profiles applied",
		"dir", dir,
		"created", created,
		"rate_limits", len(profile.RateLimits))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
