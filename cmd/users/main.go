package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"

	"eddisonso.com/edd-catalog/internal/config"
	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
	"eddisonso.com/edd-catalog/internal/federation"
	"eddisonso.com/edd-catalog/internal/httpserver"
	"eddisonso.com/edd-catalog/internal/registry"
	"eddisonso.com/edd-catalog/internal/usersvc"
)

func main() {
	addr := flag.String("addr", ":3002", "HTTP listen address")
	flag.Parse()

	slog.SetDefault(config.Logger(registry.UserService))
	ctx := context.Background()

	dbURL, err := config.Require("DATABASE_URL")
	if err != nil {
		log.Fatal(err)
	}
	natsURL, err := config.Require("NATS_URL")
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
	if err := usersvc.Migrate(ctx, database); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	broker, err := events.Connect(ctx, natsURL, registry.UserService, retry)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	if err := broker.EnsureChannel(ctx, events.UserChannel); err != nil {
		log.Fatalf("failed to create %s: %v", events.UserChannel, err)
	}

	snapshots := usersvc.NewProductSnapshots(database)
	var subs events.Subscriptions
	sub, err := events.Subscribe[events.ProductData](ctx, broker, events.ProductChannel, registry.UserService, snapshots)
	if err != nil {
		log.Fatalf("failed to subscribe to %s: %v", events.ProductChannel, err)
	}
	subs.Add(sub)

	handler := usersvc.NewHandler(usersvc.Config{
		Store:    usersvc.NewStore(database),
		Products: snapshots,
		Events:   events.NewPublisher[events.UserData](broker, events.UserChannel, registry.UserService),
		Remote:   federation.NewClient(reg, issuer, registry.UserService, timeout),
		Issuer:   issuer,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	h := httpserver.CORS(httpserver.Origins(config.String("CORS_ORIGINS", "")))(httpserver.LogRequests(mux))

	if err := httpserver.Run(ctx, *addr, h, subs.Stop, func() { broker.Close() }, func() { database.Close() }); err != nil {
		log.Fatal(err)
	}
}
