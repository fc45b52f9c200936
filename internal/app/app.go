// Package app composes the checkout service: repositories, session state,
// strategies, the orchestrator, webhook ingestion and the HTTP router.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/checkout-pay/internal/checkout"
	"github.com/noah-isme/checkout-pay/internal/common"
	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/gateway"
	"github.com/noah-isme/checkout-pay/internal/health"
	"github.com/noah-isme/checkout-pay/internal/lock"
	"github.com/noah-isme/checkout-pay/internal/notify"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/processor"
	"github.com/noah-isme/checkout-pay/internal/queue"
	"github.com/noah-isme/checkout-pay/internal/ratelimit"
	"github.com/noah-isme/checkout-pay/internal/resilience"
	"github.com/noah-isme/checkout-pay/internal/security"
	"github.com/noah-isme/checkout-pay/internal/session"
	"github.com/noah-isme/checkout-pay/internal/strategy"
	"github.com/noah-isme/checkout-pay/internal/webhook"
)

// App holds the composed services. Router is a chi mux so callers can mount
// operational endpoints next to the API.
type App struct {
	Router       *chi.Mux
	Orchestrator *checkout.Orchestrator
	Processor    *processor.Processor
	Methods      *strategy.Registry
	Sessions     *session.Store
	Bus          *events.Bus
	Webhook      *webhook.Handler
	Reprocessor  *webhook.Reprocessor
	Queue        queue.Enqueuer
	Notifier     notify.TaskNotifier
}

// New builds every service from deps and registers the routes.
func New(ctx context.Context, deps Dependencies) (*App, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Store == nil {
		return nil, errors.New("app: repository store is required")
	}
	logger := deps.Logger
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.DLQ == nil {
		deps.DLQ = queue.NewMemoryStore()
	}

	sessions := session.Open(ctx, session.Options{
		Namespace: cfg.SessionNamespace,
		Timeout:   cfg.SessionTimeout,
		Primary:   redisBackend(deps),
		Fallback:  session.NewMemoryBackend(cfg.SessionFallbackSize, cfg.SessionTimeout),
		Logger:    logger.With().Str("component", "session").Logger(),
		Now:       deps.Now,
	})
	manager := session.NewManager(sessions)

	var locker lock.Guard = lock.NewLocal()
	if deps.Redis != nil {
		locker = lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff}
	}

	gw := gateway.New(gateway.Config{
		APIKey:     cfg.GatewayAPIKey,
		BusinessID: cfg.GatewayBusinessID,
		BaseURL:    cfg.GatewayBaseURL,
		Timeout:    cfg.GatewayTimeout,
		Breaker: resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).
			WithTarget("gateway").
			WithLogger(logger),
	})
	methods := strategy.NewRegistry(
		&strategy.GatewayRedirect{
			Gateway:     gw,
			Currencies:  cfg.AllowedCurrencies,
			RedirectURL: cfg.GatewayRedirectURL,
			NotifyURL:   cfg.GatewayNotifyURL,
			Validator:   deps.Validator,
		},
		&strategy.NativeSheet{
			Enabled:          cfg.NativeSheetEnabled,
			SupportedMethods: cfg.NativeSheetMethods,
		},
	)
	proc := processor.New(processor.Options{
		Registry:       methods,
		Payments:       deps.Store.Payments,
		Attempts:       deps.Store.Attempts,
		Logger:         logger.With().Str("component", "processor").Logger(),
		PersistTimeout: cfg.PaymentPersistTimeout,
	})

	var tasks notify.TaskNotifier
	if deps.TaskClient != nil && cfg.NotifyEmailEnabled {
		tasks = notify.TaskNotifier{Client: deps.TaskClient, Queue: cfg.NotifyQueue, MaxRetry: cfg.NotifyMaxRetry}
	}
	bus := &events.Bus{
		Logger:    logger.With().Str("component", "events").Logger(),
		Notifiers: []events.Notifier{tasks},
		Timeout:   cfg.HookTimeout,
	}
	if merchant, ok := merchantNotifier(deps); ok {
		bus.Notifiers = append(bus.Notifiers, merchant)
	}

	orch, err := checkout.New(checkout.Options{
		Sessions:       manager,
		Recovery:       session.NewRecovery(sessions, cfg.PaymentMaxAttempts),
		Store:          deps.Store,
		Processor:      proc,
		Hooks:          bus,
		Locker:         locker,
		Validator:      deps.Validator,
		Logger:         logger.With().Str("component", "checkout").Logger(),
		Now:            deps.Now,
		BusinessID:     cfg.GatewayBusinessID,
		Currencies:     cfg.AllowedCurrencies,
		MaxAttempts:    cfg.PaymentMaxAttempts,
		IntentTTL:      cfg.PaymentIntentTTL,
		PersistTimeout: cfg.PaymentPersistTimeout,
		LockTTL:        cfg.LockTTL,
	})
	if err != nil {
		return nil, err
	}

	q := queue.Enqueuer{
		R:           deps.Redis,
		Prefix:      cfg.QueuePrefix,
		DedupTTL:    cfg.IdempotencyTTL,
		MaxAttempts: cfg.WebhookReprocessMaxAttempts,
	}
	wh := &webhook.Handler{
		Secret:      cfg.WebhookSecret,
		Store:       deps.Store,
		Notifier:    tasks,
		MaxBody:     cfg.WebhookMaxBodyBytes,
		MaxAttempts: cfg.WebhookReprocessMaxAttempts,
		Logger:      logger.With().Str("component", "webhook").Logger(),
	}
	if deps.Redis != nil {
		wh.Queue = q
	}
	reprocessor := &webhook.Reprocessor{
		Handler:   wh,
		Locker:    locker,
		LockTTL:   cfg.LockTTL,
		Grace:     cfg.WebhookSweepGrace,
		BatchSize: 100,
		Now:       deps.Now,
	}

	a := &App{
		Orchestrator: orch,
		Processor:    proc,
		Methods:      methods,
		Sessions:     sessions,
		Bus:          bus,
		Webhook:      wh,
		Reprocessor:  reprocessor,
		Queue:        q,
		Notifier:     tasks,
	}
	a.Router = a.routes(deps)
	return a, nil
}

// Wait blocks until background persistence, hooks and notifications finish.
func (a *App) Wait() {
	a.Processor.Wait()
	a.Bus.Wait()
	a.Webhook.Wait()
}

func redisBackend(deps Dependencies) session.Backend {
	if deps.Redis == nil {
		return nil
	}
	return session.RedisBackend{R: deps.Redis}
}

func merchantNotifier(deps Dependencies) (notify.MerchantNotifier, bool) {
	cfg := deps.Config
	if cfg.MerchantCallbackURL == "" {
		return notify.MerchantNotifier{}, false
	}
	n := notify.MerchantNotifier{
		URL:    cfg.MerchantCallbackURL,
		Secret: cfg.MerchantCallbackSecret,
		HTTP: resilience.HTTPClient{
			Client:      notify.HTTPClient(int(cfg.MerchantCallbackTimeout/time.Millisecond), cfg.MerchantCallbackAllowInsecure),
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).WithTarget("merchant-callback"),
			BaseBackoff: 500 * time.Millisecond,
			MaxAttempts: cfg.MerchantCallbackMaxAttempts,
			Jitter:      0.2,
			Timeout:     cfg.MerchantCallbackTimeout,
		},
		Topics: cfg.MerchantTopics(),
		Logger: deps.Logger.With().Str("component", "merchant_callback").Logger(),
	}
	if deps.Redis != nil {
		n.Replay = notify.RedisReplayProtector{Client: deps.Redis}
		n.ReplayTTL = cfg.MerchantCallbackReplayTTL
	}
	return n, true
}

func (a *App) routes(deps Dependencies) *chi.Mux {
	cfg := deps.Config
	logger := deps.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if deps.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if deps.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: deps.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:         true,
		EnableHSTS:     cfg.SecurityEnableHSTS,
		HSTSMaxAge:     31536000,
		PaymentOrigins: cfg.PaymentOrigins,
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", common.SessionHeader},
		ExposedHeaders:   []string{common.SessionHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	healthHandler := health.Handler{
		Checker:      health.Probes{Store: deps.Store, Redis: deps.Redis},
		DBTimeout:    500 * time.Millisecond,
		RedisTimeout: 300 * time.Millisecond,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Post("/webhook", a.Webhook.Receive)
	r.Get("/webhook", a.Webhook.Health)

	checkoutHandler := &checkout.Handler{
		Orchestrator: a.Orchestrator,
		Methods:      a.Methods,
		Store:        deps.Store,
		Logger:       logger.With().Str("component", "checkout_http").Logger(),
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	perClient := ratelimit.PerClient{
		Store: deps.LimiterStore,
		Rate:  limiter.Rate{Period: time.Minute, Limit: int64(cfg.RateLimitPerMinute)},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate_limit_store_failed")
		},
	}
	processLimit := func(next http.Handler) http.Handler { return next }
	if deps.Redis != nil && cfg.RateLimitProcessPerMinute > 0 {
		processLimit = ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: deps.Redis},
			Config:  ratelimit.Config{Window: time.Minute, Max: cfg.RateLimitProcessPerMinute},
			OnError: func(err error) {
				logger.Warn().Err(err).Msg("session_rate_limit_failed")
			},
		}.Middleware
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(common.SessionFromRequest)
		v.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
		v.Use(perClient.Middleware)

		v.Get("/checkout/methods", checkoutHandler.AvailableMethods)
		v.With(idem.Middleware).Post("/checkout/sessions", checkoutHandler.Initialize)
		v.Route("/checkout/sessions/{sessionId}", func(s chi.Router) {
			s.Get("/", checkoutHandler.State)
			s.With(processLimit, idem.Middleware).Post("/process", checkoutHandler.Process)
			s.With(idem.Middleware).Post("/cancel", checkoutHandler.Cancel)
			s.Get("/recovery", checkoutHandler.Recovery)
		})

		v.Get("/payments", checkoutHandler.ListPayments)
		v.Get("/payments/{id}", checkoutHandler.GetPayment)
		v.Get("/payments/{id}/attempts", checkoutHandler.ListAttempts)
		v.Get("/orders/{id}", checkoutHandler.GetOrder)

		if cfg.AdminBasicAuthUser != "" && deps.Redis != nil {
			admin := &queue.AdminHandler{
				Store:             deps.DLQ,
				Queue:             a.Queue,
				Logger:            logger.With().Str("component", "queue_admin").Logger(),
				VisibilityTimeout: cfg.QueueVisibilityTimeout,
			}
			v.Route("/admin/queue", func(ad chi.Router) {
				ad.Use(BasicAuth(cfg.AdminBasicAuthUser, cfg.AdminBasicAuthPass))
				ad.Get("/dlq", admin.ListDLQ)
				ad.Post("/dlq/replay", admin.ReplayDLQ)
				ad.Delete("/dlq/{id}", admin.DeleteDLQ)
				ad.Get("/stats", admin.Stats)
			})
		}
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// BasicAuth guards operational routes. An empty user disables the check.
func BasicAuth(user, pass string) func(http.Handler) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	return func(next http.Handler) http.Handler {
		if user == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
