// Package gateway is the single entry point in front of the services. It
// routes by path prefix and rejects unauthenticated calls to gated routes
// before they reach an upstream.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"eddisonso.com/edd-catalog/internal/auth"
	"eddisonso.com/edd-catalog/internal/registry"
	"eddisonso.com/edd-catalog/internal/respond"
)

var ErrNoRoute = errors.New("no route")

type Route struct {
	Path        string `yaml:"path"`
	Target      string `yaml:"target"`
	StripPrefix bool   `yaml:"strip_prefix"`
	// Public routes are proxied without verifying credentials.
	Public bool `yaml:"public"`
}

type route struct {
	Route
	proxy *httputil.ReverseProxy
}

type Gateway struct {
	routes []route // longest prefix first
	issuer *auth.Issuer
}

// DefaultRoutes sends /api/auth to the identity service unauthenticated
// and gates the user and product APIs.
func DefaultRoutes(urls registry.URLs) []Route {
	return []Route{
		{Path: "/api/auth", Target: urls.Auth, Public: true},
		{Path: "/api/users", Target: urls.Users},
		{Path: "/api/products", Target: urls.Products},
	}
}

// LoadRoutes reads a routes file:
//
//	routes:
//	  - path: /api/auth
//	    target: http://auth:8080
//	    public: true
func LoadRoutes(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var cfg struct {
		Routes []Route `yaml:"routes"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	return cfg.Routes, nil
}

func New(routes []Route, issuer *auth.Issuer) (*Gateway, error) {
	g := &Gateway{issuer: issuer}
	for _, rt := range routes {
		if !strings.HasPrefix(rt.Path, "/") {
			return nil, fmt.Errorf("route %q: path must start with /", rt.Path)
		}
		target, err := url.Parse(rt.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %s: invalid target %q", rt.Path, rt.Target)
		}
		rt.Path = strings.TrimSuffix(rt.Path, "/")
		g.routes = append(g.routes, route{Route: rt, proxy: newProxy(rt, target)})
		slog.Info("route registered", "path", rt.Path, "target", rt.Target, "public", rt.Public)
	}
	sort.SliceStable(g.routes, func(i, j int) bool {
		return len(g.routes[i].Path) > len(g.routes[j].Path)
	})
	return g, nil
}

func newProxy(rt Route, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if rt.StripPrefix {
				p := strings.TrimPrefix(pr.In.URL.Path, rt.Path)
				if p == "" {
					p = "/"
				}
				pr.Out.URL.Path = p
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("upstream unreachable", "path", r.URL.Path, "target", rt.Target, "error", err)
			respond.Fail(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		},
	}
}

func (g *Gateway) resolve(path string) (*route, error) {
	for i := range g.routes {
		rt := &g.routes[i]
		if path == rt.Path || strings.HasPrefix(path, rt.Path+"/") {
			return rt, nil
		}
	}
	return nil, ErrNoRoute
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	rt, err := g.resolve(r.URL.Path)
	if err != nil {
		respond.Fail(w, http.StatusNotFound, "Route not found")
		return
	}
	if !rt.Public {
		if _, err := g.issuer.Authenticate(r); err != nil {
			respond.Error(w, err)
			return
		}
	}
	rt.proxy.ServeHTTP(w, r)
}
