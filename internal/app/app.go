// Package app wires all Halcyon subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem from the configuration, Run serves HTTP until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithConversationStore,
// WithCache, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-health/halcyon/internal/answer"
	"github.com/halcyon-health/halcyon/internal/audit"
	"github.com/halcyon-health/halcyon/internal/classify"
	"github.com/halcyon-health/halcyon/internal/clarify"
	"github.com/halcyon-health/halcyon/internal/config"
	"github.com/halcyon-health/halcyon/internal/convo"
	"github.com/halcyon-health/halcyon/internal/fanout"
	"github.com/halcyon-health/halcyon/internal/gateway"
	"github.com/halcyon-health/halcyon/internal/health"
	"github.com/halcyon-health/halcyon/internal/modelroute"
	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/internal/orchestrator"
	"github.com/halcyon-health/halcyon/internal/rank"
	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/internal/selector"
	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/internal/tools/builtin"
	"github.com/halcyon-health/halcyon/internal/tools/toolhost"
	"github.com/halcyon-health/halcyon/internal/voice"
	"github.com/halcyon-health/halcyon/pkg/cache"
	memorycache "github.com/halcyon-health/halcyon/pkg/cache/memory"
	rediscache "github.com/halcyon-health/halcyon/pkg/cache/redis"
	"github.com/halcyon-health/halcyon/pkg/provider/embeddings"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	phirules "github.com/halcyon-health/halcyon/pkg/provider/phi/rules"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank/hybrid"
	"github.com/halcyon-health/halcyon/pkg/provider/stt"
	"github.com/halcyon-health/halcyon/pkg/provider/tts"
	"github.com/halcyon-health/halcyon/pkg/provider/vad"
	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/search/httpsource"
	"github.com/halcyon-health/halcyon/pkg/search/kbsource"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/store/postgres"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LocalLLM   llm.Provider
	CloudLLM   llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
	PHI        phi.Detector
	Reranker   rerank.Scorer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	convStore store.ConversationStore
	kb        store.KnowledgeBase
	cache     cache.Cache
	sessions  *convo.Manager
	registry  *resilience.Registry
	degraded  *resilience.DegradedController
	auditLog  *audit.Logger
	toolHost  *toolhost.Host
	exec      *tools.Executor
	orch      *orchestrator.Orchestrator
	gw        *gateway.Server
	httpSrv   *http.Server

	// closers run in reverse-init order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConversationStore injects a conversation store instead of connecting to
// PostgreSQL.
func WithConversationStore(s store.ConversationStore) Option {
	return func(a *App) { a.convStore = s }
}

// WithKnowledgeBase injects a knowledge base instead of connecting to
// PostgreSQL.
func WithKnowledgeBase(kb store.KnowledgeBase) Option {
	return func(a *App) { a.kb = kb }
}

// WithCache injects a cache instead of creating one from config.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics injects an instrument set instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store and cache connections,
// resilience registry, search sources, tool registration (builtins plus
// configured MCP servers), and the query orchestrator. The gateway is mounted
// by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	a.sessions = convo.NewManager(a.cache, a.convStore,
		convo.WithHistoryLimit(cfg.Context.HistoryLimit),
		convo.WithTTL(time.Duration(cfg.Context.CacheTTLSec)*time.Second),
	)

	a.initResilience()

	detector, err := a.buildDetector()
	if err != nil {
		return nil, fmt.Errorf("app: init phi detector: %w", err)
	}

	sources, err := a.buildSources()
	if err != nil {
		return nil, fmt.Errorf("app: init sources: %w", err)
	}

	a.auditLog = audit.New(a.convStore, cfg.Audit.HashSalt,
		audit.WithFlushInterval(time.Duration(cfg.Audit.FlushIntervalSec)*time.Second),
	)

	if err := a.initTools(ctx, detector); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Convo:      a.sessions,
		Detector:   detector,
		Classifier: a.buildClassifier(),
		Gate:       clarify.NewGate(),
		Selector:   selector.New(sources, selector.WithLimit(cfg.Search.MaxParallelSources)),
		Fanout: fanout.New(a.registry,
			fanout.WithPerSourceTimeout(time.Duration(cfg.Search.TimeoutMs)*time.Millisecond),
			fanout.WithResultLimit(cfg.Search.ResultLimitPerSource),
			fanout.WithObserver(func(ctx context.Context, source, outcome string, d time.Duration) {
				a.metrics.SearchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
					observe.Attr("source", source), observe.Attr("outcome", outcome)))
			}),
		),
		Ranker: a.buildRanker(),
		Router: modelroute.New(providers.LocalLLM, providers.CloudLLM, routerMode(cfg.Router.Mode), a.registry,
			modelroute.WithPHICloudRouteHook(func(ctx context.Context) {
				a.metrics.PHICloudRoutes.Add(ctx, 1)
			}),
		),
		Tools:    a.exec,
		Audit:    a.auditLog,
		Degraded: a.degraded,
		Cache:    a.cache,
		Metrics:  a.metrics,
	},
		orchestrator.WithDeadline(time.Duration(cfg.Server.RequestTimeoutSec)*time.Second),
		orchestrator.WithGeneratorOptions(generatorOptions(cfg, a.metrics)...),
	)

	a.gw = gateway.NewServer(a.orch, a.sessions, a.gatewayOptions()...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL unless both store interfaces were injected.
func (a *App) initStore(ctx context.Context) error {
	if a.convStore != nil && a.kb != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return errors.New("store.postgres_dsn is required when stores are not injected")
	}
	dims := a.cfg.Store.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}

	// A width mismatch would surface later as opaque pgvector insert
	// failures, so refuse to start. Dimensions() may report 0 when the
	// model is unknown and the backend cannot be probed yet.
	if emb := a.providers.Embeddings; emb != nil {
		if got := emb.Dimensions(); got != 0 && got != dims {
			return fmt.Errorf("embeddings model %s produces %d-dimensional vectors, store schema expects %d",
				emb.ModelID(), got, dims)
		}
	}

	pg, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	if a.convStore == nil {
		a.convStore = pg
	}
	if a.kb == nil {
		a.kb = pg
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initCache selects Redis when configured, otherwise the in-process cache.
func (a *App) initCache() error {
	if a.cache != nil {
		return nil
	}
	if addr := a.cfg.Cache.RedisAddr; addr != "" {
		rc, err := rediscache.New(addr,
			rediscache.WithPassword(a.cfg.Cache.RedisPassword),
			rediscache.WithDB(a.cfg.Cache.RedisDB),
		)
		if err != nil {
			return err
		}
		a.cache = rc
		a.closers = append(a.closers, rc.Close)
		return nil
	}
	a.cache = memorycache.New()
	return nil
}

// initResilience builds the breaker registry and the degraded-mode controller
// watching the dependencies a live answer cannot do without.
func (a *App) initResilience() {
	a.registry = resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		Timeout:          time.Duration(a.cfg.Breaker.TimeoutSec) * time.Second,
		HalfOpenRequests: a.cfg.Breaker.HalfOpenRequests,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
	}, resilience.WithTransitionListener(func(key string, from, to resilience.State) {
		a.metrics.RecordBreakerTransition(context.Background(), key, to.String())
		if a.degraded != nil {
			a.degraded.Observe(key, from, to)
		}
	}))

	critical := make([]string, 0, len(a.cfg.Sources)+2)
	if p := a.providers.LocalLLM; p != nil {
		critical = append(critical, modelroute.LocalKey(p))
	}
	if p := a.providers.CloudLLM; p != nil {
		critical = append(critical, modelroute.CloudKey(p))
	}
	for _, src := range a.cfg.Sources {
		critical = append(critical, resilience.SourceKey(src.Name))
	}
	a.degraded = resilience.NewDegradedController(a.registry, critical,
		resilience.WithOnChange(func(active bool) {
			slog.Warn("degraded mode changed", "active", active)
		}),
	)
	a.closers = append(a.closers, func() error {
		a.degraded.Close()
		return nil
	})
}

// buildDetector uses the configured PHI provider, falling back to the
// rule-based detector at the configured sensitivity.
func (a *App) buildDetector() (phi.Detector, error) {
	if a.providers.PHI != nil {
		return a.providers.PHI, nil
	}
	return phirules.New(phi.Mode(a.cfg.PHI.Mode))
}

// buildClassifier chains the local-model classifier over the keyword rules.
// Without a local model, rules run alone.
func (a *App) buildClassifier() classify.Classifier {
	rules := classify.NewRules()
	if a.providers.LocalLLM == nil {
		return rules
	}
	return classify.NewChain(classify.NewLLM(a.providers.LocalLLM), rules,
		classify.WithFailureHook(func(ctx context.Context) {
			a.metrics.RecordClassifierFailure(ctx, "intent")
		}),
	)
}

// buildSources constructs one search client per configured source. The
// internal knowledge base queries the vector store directly; everything else
// goes over HTTP.
func (a *App) buildSources() ([]search.SourceClient, error) {
	clients := make([]search.SourceClient, 0, len(a.cfg.Sources))
	for _, src := range a.cfg.Sources {
		desc := search.SourceDescriptor{
			Name: src.Name,
			Kind: sourceKind(src.Kind),
		}
		if src.Kind == config.SourceInternalKB && src.URL == "" {
			if a.providers.Embeddings == nil {
				return nil, fmt.Errorf("source %q: internal_kb requires an embeddings provider", src.Name)
			}
			c, err := kbsource.New(desc, a.kb, a.providers.Embeddings)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", src.Name, err)
			}
			clients = append(clients, c)
			continue
		}
		var opts []httpsource.Option
		if src.APIKey != "" {
			opts = append(opts, httpsource.WithAPIKey(src.APIKey))
		}
		c, err := httpsource.New(desc, src.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// buildRanker pairs the configured reranker with a lexical-plus-embedding
// fallback so retrieval keeps working when the reranker is down.
func (a *App) buildRanker() *rank.Ranker {
	var fallback rerank.Scorer
	if a.providers.Embeddings != nil {
		fallback = hybrid.New(a.providers.Embeddings)
	}
	primary := a.providers.Reranker
	if primary == nil {
		primary = fallback
		fallback = nil
	}
	return rank.New(primary, fallback,
		rank.WithTopK(a.cfg.Search.TopK),
		rank.WithMinScore(a.cfg.Search.ConfidenceThreshold),
	)
}

// initTools registers the builtin tools, connects configured MCP servers, and
// builds the executor. Confirmation requests are published through the
// gateway once it exists.
func (a *App) initTools(ctx context.Context, detector phi.Detector) error {
	reg := tools.NewRegistry()
	handlers := []tools.Handler{
		builtin.NewDrugInteractions(),
		builtin.NewCalendar(logCalendarBackend{}),
	}
	if a.providers.LocalLLM != nil {
		handlers = append(handlers, builtin.NewPatientSummary(a.providers.LocalLLM))
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}

	a.toolHost = toolhost.New(reg)
	a.closers = append(a.closers, a.toolHost.Close)
	for _, srv := range a.cfg.Tools.MCPServers {
		err := a.toolHost.RegisterServer(ctx, toolhost.ServerConfig{
			Name:      srv.Name,
			Transport: toolhost.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
			Local:     srv.RequiresPHI,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP tool server", "name", srv.Name)
	}

	a.exec = tools.NewExecutor(reg, detector, &tools.RiskAuthorizer{MaxRisk: "high"}, a.auditLog, a.convStore,
		tools.WithConfirmationTimeout(time.Duration(a.cfg.Tools.ConfirmationTimeoutSec)*time.Second),
		tools.WithDefaultExecutionTimeout(time.Duration(a.cfg.Tools.DefaultTimeoutSec)*time.Second),
		tools.WithMetrics(a.metrics),
		tools.WithConfirmationPublisher(func(ctx context.Context, call tools.Call) {
			// The gateway exists by the time any tool can run.
			a.gw.PublishConfirmation(ctx, call)
		}),
	)
	return nil
}

// gatewayOptions assembles the gateway configuration, enabling voice only
// when all three audio providers are present.
func (a *App) gatewayOptions() []gateway.ServerOption {
	opts := []gateway.ServerOption{
		gateway.WithTools(a.exec),
		gateway.WithServerMetrics(a.metrics),
	}

	p := a.providers
	if p.STT == nil || p.TTS == nil || p.VAD == nil {
		slog.Info("voice disabled", "stt", p.STT != nil, "tts", p.TTS != nil, "vad", p.VAD != nil)
		return opts
	}

	vc := a.cfg.Voice
	profile := types.VoiceProfile{ID: vc.Voice, Language: vc.Language}
	voiceOpts := []voice.Option{
		voice.WithSampleRate(vc.SampleRate),
		voice.WithVADThresholds(vc.VADThreshold, vc.VADThreshold*0.7),
		voice.WithLanguage(vc.Language),
		voice.WithTurnConfig(voice.TurnConfig{
			PreRoll:         time.Duration(vc.PreRollMs) * time.Millisecond,
			FinalizeSilence: time.Duration(vc.SilenceMs) * time.Millisecond,
			Endpoint:        time.Duration(vc.EndpointMs) * time.Millisecond,
		}),
		voice.WithMetrics(a.metrics),
	}
	if vc.BargeInEnabled != nil {
		voiceOpts = append(voiceOpts, voice.WithBargeIn(*vc.BargeInEnabled))
	}
	if len(vc.Keywords) > 0 {
		boosts := make([]stt.KeywordBoost, len(vc.Keywords))
		for i, kw := range vc.Keywords {
			boosts[i] = stt.KeywordBoost{Keyword: kw, Boost: 1}
		}
		voiceOpts = append(voiceOpts, voice.WithKeywords(boosts))
	}
	return append(opts, gateway.WithVoice(p.STT, p.TTS, p.VAD, profile, voiceOpts...))
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the degraded-mode sampler and the HTTP server, then blocks until
// ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	a.degraded.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.gw)
	mux.Handle("/metrics", promhttp.Handler())
	a.healthHandler().Register(mux)

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
		errCh <- a.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// healthHandler reports readiness from the breaker registry: the service is
// ready while it is not degraded and no critical circuit is open.
func (a *App) healthHandler() *health.Handler {
	return health.New(
		health.Checker{
			Name: "degraded",
			Check: func(context.Context) error {
				if a.degraded.Active() {
					return errors.New("degraded mode active")
				}
				return nil
			},
		},
		health.Checker{
			Name: "breakers",
			Check: func(context.Context) error {
				for key, st := range a.registry.States() {
					if st == resilience.StateOpen {
						return fmt.Errorf("circuit %s open", key)
					}
				}
				return nil
			},
		},
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		// Flush audit events before the store closes.
		if err := a.auditLog.Close(ctx); err != nil {
			slog.Warn("audit close error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// logCalendarBackend stands in for the practice scheduling integration: the
// event is recorded in the server log only.
type logCalendarBackend struct{}

func (logCalendarBackend) CreateEvent(_ context.Context, ev builtin.CalendarEvent) error {
	slog.Info("calendar event created",
		"id", ev.ID, "title", ev.Title, "start", ev.Start, "duration_min", ev.DurationMinutes)
	return nil
}

func routerMode(m config.RouterMode) modelroute.Mode {
	switch m {
	case config.RouterLocalOnly:
		return modelroute.ModeLocalOnly
	case config.RouterCloudOnly:
		return modelroute.ModeCloudOnly
	default:
		return modelroute.ModeHybrid
	}
}

func sourceKind(k config.SourceKind) search.Kind {
	switch k {
	case config.SourceLiterature:
		return search.KindLiterature
	case config.SourceGuidelines:
		return search.KindGuidelines
	case config.SourceNotes:
		return search.KindNotes
	default:
		return search.KindInternalKB
	}
}

func generatorOptions(cfg *config.Config, m *observe.Metrics) []answer.GeneratorOption {
	return []answer.GeneratorOption{
		answer.WithTemperature(cfg.LLM.Temperature),
		answer.WithMaxTokens(cfg.LLM.MaxTokens),
		answer.WithGeneratorMetrics(m),
	}
}
