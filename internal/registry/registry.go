// Package registry maps a logical service and operation name onto the HTTP
// endpoint that serves it. A Registry is immutable after construction.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownService   = errors.New("unknown service")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrUnresolvedParam  = errors.New("unresolved path parameter")
)

// Logical service names.
const (
	UserService    = "userService"
	ProductService = "productService"
	AuthService    = "authService"
)

// Operation names of the built-in table.
const (
	CreateUser           = "createUser"
	GetUsersByIDs        = "getUsersByIds"
	GetUserByID          = "getUserById"
	GetUserByEmail       = "getUserByEmail"
	GetProductsByUserIDs = "getProductsByUserIds"
	GetProductsByIDs     = "getProductsByIds"
	GetProductByID       = "getProductById"
	Register             = "register"
	Login                = "login"
	RefreshToken         = "refreshToken"
	Logout               = "logout"
)

// Operation is a method and a path template such as /api/users/:id.
type Operation struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

type Service struct {
	BaseURL    string               `yaml:"baseUrl"`
	Operations map[string]Operation `yaml:"operations"`
}

// Endpoint is a resolved operation.
type Endpoint struct {
	Service   string
	Operation string
	BaseURL   string
	Method    string
	Path      string
}

type Registry struct {
	services map[string]Service
}

// New copies services into a Registry.
func New(services map[string]Service) *Registry {
	r := &Registry{services: make(map[string]Service, len(services))}
	for name, svc := range services {
		ops := make(map[string]Operation, len(svc.Operations))
		for op, o := range svc.Operations {
			ops[op] = Operation{Method: strings.ToUpper(o.Method), Path: o.Path}
		}
		r.services[name] = Service{BaseURL: strings.TrimRight(svc.BaseURL, "/"), Operations: ops}
	}
	return r
}

func (r *Registry) Resolve(service, operation string) (Endpoint, error) {
	svc, ok := r.services[service]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	op, ok := svc.Operations[operation]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, service, operation)
	}
	return Endpoint{
		Service:   service,
		Operation: operation,
		BaseURL:   svc.BaseURL,
		Method:    op.Method,
		Path:      op.Path,
	}, nil
}

// URL substitutes :name placeholders with params and joins the result onto
// the base URL. Values are path-escaped before '?' and query-escaped after
// it. A placeholder with no value, or an empty value, is an error.
func (e Endpoint) URL(params map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString(e.BaseURL)

	inQuery := false
	tmpl := e.Path
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c == '?' {
			inQuery = true
		}
		if c != ':' || i+1 >= len(tmpl) || !isIdentStart(tmpl[i+1]) {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(tmpl) && isIdent(tmpl[j]) {
			j++
		}
		name := tmpl[i+1 : j]
		v := params[name]
		if v == "" {
			return "", fmt.Errorf("%w: %q in %s.%s", ErrUnresolvedParam, name, e.Service, e.Operation)
		}
		if inQuery {
			b.WriteString(url.QueryEscape(v))
		} else {
			b.WriteString(url.PathEscape(v))
		}
		i = j - 1
	}
	return b.String(), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}

// URLs holds the base URL of each built-in service.
type URLs struct {
	Users    string
	Products string
	Auth     string
}

// Default returns the built-in operation table bound to urls.
func Default(urls URLs) *Registry {
	return New(map[string]Service{
		UserService: {
			BaseURL: urls.Users,
			Operations: map[string]Operation{
				CreateUser:     {Method: "POST", Path: "/api/users"},
				GetUsersByIDs:  {Method: "POST", Path: "/api/users/batch"},
				GetUserByID:    {Method: "GET", Path: "/api/users/:id"},
				GetUserByEmail: {Method: "GET", Path: "/api/users/by-email?email=:email"},
			},
		},
		ProductService: {
			BaseURL: urls.Products,
			Operations: map[string]Operation{
				GetProductsByUserIDs: {Method: "POST", Path: "/api/products/by-users"},
				GetProductsByIDs:     {Method: "POST", Path: "/api/products/batch"},
				GetProductByID:       {Method: "GET", Path: "/api/products/:id"},
			},
		},
		AuthService: {
			BaseURL: urls.Auth,
			Operations: map[string]Operation{
				Register:     {Method: "POST", Path: "/api/auth/register"},
				Login:        {Method: "POST", Path: "/api/auth/login"},
				RefreshToken: {Method: "POST", Path: "/api/auth/refresh-token"},
				Logout:       {Method: "POST", Path: "/api/auth/logout"},
			},
		},
	})
}

type file struct {
	Services map[string]Service `yaml:"services"`
}

// Load reads a registry from a YAML file of the form
//
//	services:
//	  userService:
//	    baseUrl: ${USER_SERVICE_URL}
//	    operations:
//	      getUserById: {method: GET, path: /api/users/:id}
//
// Environment references in the file are expanded before parsing.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var f file
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if len(f.Services) == 0 {
		return nil, fmt.Errorf("registry %s defines no services", path)
	}
	for name, svc := range f.Services {
		if svc.BaseURL == "" {
			return nil, fmt.Errorf("registry %s: service %s has no baseUrl", path, name)
		}
		for op, o := range svc.Operations {
			if o.Method == "" || o.Path == "" {
				return nil, fmt.Errorf("registry %s: %s.%s needs method and path", path, name, op)
			}
		}
	}
	return New(f.Services), nil
}
