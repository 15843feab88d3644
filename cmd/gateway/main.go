package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"eddisonso.com/edd-catalog/internal/config"
	"eddisonso.com/edd-catalog/internal/gateway"
	"eddisonso.com/edd-catalog/internal/httpserver"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	routesFile := flag.String("routes", "", "YAML routes file (default: built-in routes from *_SERVICE_URL)")
	flag.Parse()

	slog.SetDefault(config.Logger("gateway"))

	issuer, err := config.Issuer()
	if err != nil {
		log.Fatalf("failed to configure tokens: %v", err)
	}

	routes := gateway.DefaultRoutes(config.ServiceURLs())
	if *routesFile != "" {
		if routes, err = gateway.LoadRoutes(*routesFile); err != nil {
			log.Fatalf("failed to load routes: %v", err)
		}
	}
	gw, err := gateway.New(routes, issuer)
	if err != nil {
		log.Fatalf("invalid routes: %v", err)
	}

	h := httpserver.CORS(httpserver.Origins(config.String("CORS_ORIGINS", "")))(httpserver.LogRequests(gw))
	if err := httpserver.Run(context.Background(), *addr, h); err != nil {
		log.Fatal(err)
	}
}
