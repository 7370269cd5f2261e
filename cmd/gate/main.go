package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"obragate/pkg/audit"
	"obragate/pkg/auth"
	"obragate/pkg/factbus"
	"obragate/pkg/facts"
	"obragate/pkg/gate"
	"obragate/pkg/hardening"
	"obragate/pkg/httpx"
	"obragate/pkg/metrics"
	"obragate/pkg/ratelimit"
	"obragate/pkg/store"
	"obragate/pkg/stream"
	"obragate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type gateDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Server struct {
	DB                  gateDB
	Evaluator           *gate.Evaluator
	Authority           *gate.Authority
	Audit               *audit.Reader
	Events              *stream.Hub
	Metrics             *metrics.Registry
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnG       func(context.Context) (gateDB, func(), error)
	listenFnG       func(*http.Server) error
)

func main() {
	if err := runGate(initTelemetryFn, openDBFnG, listenFnG); err != nil {
		logFatalf("gate: %v", err)
	}
}

func runGate(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (gateDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (gateDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown, err := initTelemetry(ctx, "gate")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	s := &Server{
		DB:                  db,
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	confirmPhrase := env("OVERRIDE_CONFIRM_PHRASE", gate.DefaultConfirmPhrase)
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gate",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		OverrideConfirmPhrase: confirmPhrase,
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("gate: redis unavailable, using in-memory cache: %v", err)
	}
	cache := store.NewCache(ctx, redisClient)

	provider := &facts.HTTPProvider{
		BaseURL:    strings.TrimRight(env("FACTS_BASE_URL", "http://localhost:8091"), "/"),
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("FACTS_TIMEOUT_SEC", 5)}),
		Cache:      cache,
		TTL:        envDurationSec("FACTS_CACHE_TTL_SEC", 15),
		Retries:    envInt("FACTS_RETRIES", 2),
		RetryDelay: 200 * time.Millisecond,
	}

	s.Events = stream.NewHub()
	s.Metrics = metrics.NewRegistry()
	s.Evaluator = &gate.Evaluator{Store: &gate.PGStore{DB: db}, Facts: provider}
	s.Authority = &gate.Authority{
		DB:            db,
		Facts:         provider,
		ConfirmPhrase: confirmPhrase,
		OverrideRoles: splitList(env("OVERRIDE_ROLES", "siteadmin")),
		Hub:           s.Events,
	}
	s.Audit = &audit.Reader{DB: db, PageSize: envInt("AUDIT_PAGE_SIZE", 100)}

	if brokers := factbus.ParseBrokers(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		consumer, err := factbus.NewKafkaConsumer(factbus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_FACTS_TOPIC", "obra.fact-changes"),
			GroupID: env("KAFKA_GROUP_ID", "gate"),
		})
		if err != nil {
			return err
		}
		defer consumer.Close()
		runner := &factbus.Runner{Bus: consumer, Cache: cache, MaxPhases: envInt("MAX_PHASES_PER_PROJECT", 50)}
		go runner.Run(ctx)
	}

	var limiter ratelimit.Limiter
	window := envDurationSec("OVERRIDE_RATE_WINDOW_SEC", 60)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, window)
	} else {
		limiter = ratelimit.NewInMemory(window)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gate"))
	r.Use(s.Metrics.Middleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gate"})
	})
	r.Get("/metrics", s.Metrics.PrometheusHandler())

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))

	readRoles := []string{"viewer", "sitemanager", "siteadmin"}
	authRouter.Get("/v1/projects/{projectID}/phases/{phase}/gate", s.withRoles(s.getGate, readRoles...))
	authRouter.Get("/v1/projects/{projectID}/gate/blocked", s.withRoles(s.listBlocked, readRoles...))
	authRouter.Get("/v1/projects/{projectID}/phases/{phase}/gate/audit", s.withRoles(s.getAuditTrail, readRoles...))
	authRouter.Get("/v1/projects/{projectID}/gate/events", s.streamEvents)
	authRouter.Get("/v1/metrics", s.withRoles(func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.Handler()(w, r)
	}, "sitemanager", "siteadmin"))
	authRouter.With(ratelimit.Middleware(limiter, envInt("OVERRIDE_RATE_LIMIT", 10))).
		Post("/v1/projects/{projectID}/phases/{phase}/gate/override", s.postOverride)
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8090")
	log.Printf("gate service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
