package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"eddisonso.com/edd-catalog/internal/authsvc"
	"eddisonso.com/edd-catalog/internal/config"
	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
	"eddisonso.com/edd-catalog/internal/federation"
	"eddisonso.com/edd-catalog/internal/httpserver"
	"eddisonso.com/edd-catalog/internal/ratelimit"
	"eddisonso.com/edd-catalog/internal/registry"
)

func main() {
	addr := flag.String("addr", ":3001", "HTTP listen address")
	ipLimit := flag.Int("login-ip-limit", 20, "Login attempts per client IP per window")
	emailLimit := flag.Int("login-email-limit", 5, "Login attempts per account per window")
	window := flag.Duration("login-window", 15*time.Minute, "Login rate limit window")
	trustProxy := flag.Bool("trust-proxy", false, "Take the client address from the gateway's X-Forwarded-For entry")
	flag.Parse()

	slog.SetDefault(config.Logger(registry.AuthService))
	ctx := context.Background()

	dbURL, err := config.Require("DATABASE_URL")
	if err != nil {
		log.Fatal(err)
	}
	issuer, err := config.Issuer()
	if err != nil {
		log.Fatalf("failed to configure tokens: %v", err)
	}
	reg, err := config.Registry()
	if err != nil {
		log.Fatalf("failed to load service registry: %v", err)
	}
	timeout, err := config.Duration("FEDERATION_TIMEOUT", 0)
	if err != nil {
		log.Fatal(err)
	}
	retry, err := config.Retry()
	if err != nil {
		log.Fatal(err)
	}

	database, err := db.Open(dbURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := authsvc.Migrate(ctx, database); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	creds := authsvc.NewCredentials(database)
	cleanup := []func(){func() { database.Close() }}

	// Rate limiting is shared through Redis when configured, per process otherwise.
	var ipLimiter, emailLimiter ratelimit.Limiter
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		ipLimiter = ratelimit.NewRedis(client, "login:", *ipLimit, *window)
		emailLimiter = ratelimit.NewRedis(client, "login:", *emailLimit, *window)
		cleanup = append(cleanup, func() { client.Close() })
		slog.Info("using redis rate limiter", "addr", opts.Addr)
	} else {
		ipMem := ratelimit.NewMemory(*ipLimit, *window)
		emailMem := ratelimit.NewMemory(*emailLimit, *window)
		ipLimiter, emailLimiter = ipMem, emailMem
		cleanup = append(cleanup, ipMem.Close, emailMem.Close)
	}

	// Credentials follow user_events when a broker is configured.
	var subs events.Subscriptions
	if natsURL := config.String("NATS_URL", ""); natsURL != "" {
		broker, err := events.Connect(ctx, natsURL, registry.AuthService, retry)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		sub, err := events.Subscribe[events.UserData](ctx, broker, events.UserChannel, registry.AuthService, creds)
		if err != nil {
			log.Fatalf("failed to subscribe to %s: %v", events.UserChannel, err)
		}
		subs.Add(sub)
		cleanup = append([]func(){subs.Stop, func() { broker.Close() }}, cleanup...)
	} else {
		slog.Info("NATS_URL not set, credentials will not follow user changes")
	}

	handler := authsvc.NewHandler(authsvc.Config{
		Credentials:  creds,
		Remote:       federation.NewClient(reg, issuer, registry.AuthService, timeout),
		Issuer:       issuer,
		IPLimiter:    ipLimiter,
		EmailLimiter: emailLimiter,
		TrustProxy:   *trustProxy,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	h := httpserver.CORS(httpserver.Origins(config.String("CORS_ORIGINS", "")))(httpserver.LogRequests(mux))

	if err := httpserver.Run(ctx, *addr, h, cleanup...); err != nil {
		log.Fatal(err)
	}
}
