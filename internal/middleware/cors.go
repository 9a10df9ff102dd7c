package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig describes which cross-origin callers the API admits.
type CORSConfig struct {
	Enabled bool

	// AllowedOrigins holds exact origin URLs, or a single "*" entry.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposeHeaders  []string
	MaxAge         int

	AllowCredentials bool
}

// corsPolicy is the decision table precomputed from a CORSConfig so the
// per-request path only does a map lookup and header writes.
type corsPolicy struct {
	wildcard    bool
	origins     map[string]struct{}
	credentials bool
	methods     string
	headers     string
	expose      string
	maxAge      string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	p := corsPolicy{
		origins:     make(map[string]struct{}),
		credentials: cfg.AllowCredentials,
		methods:     strings.Join(cfg.AllowedMethods, ", "),
		headers:     strings.Join(cfg.AllowedHeaders, ", "),
		expose:      strings.Join(cfg.ExposeHeaders, ", "),
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}

	for _, origin := range cfg.AllowedOrigins {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if p.wildcard {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// setOriginHeaders writes the headers the request origin has earned and
// reports whether the origin is allowed. Non-wildcard policies always vary
// on Origin so caches never serve one origin's response to another.
func (p corsPolicy) setOriginHeaders(h http.Header, origin string) bool {
	if !p.wildcard {
		h.Add("Vary", "Origin")
	}
	if !p.allows(origin) {
		return false
	}

	if p.wildcard {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	}
	if p.expose != "" {
		h.Set("Access-Control-Expose-Headers", p.expose)
	}
	return true
}

func (p corsPolicy) setPreflightHeaders(h http.Header) {
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// handle applies the policy to one request. Preflights from disallowed
// origins still get 204, just without any Access-Control headers
// granting access.
func (p corsPolicy) handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Same-origin or non-browser caller.
		next.ServeHTTP(w, r)
		return
	}

	allowed := p.setOriginHeaders(w.Header(), origin)
	if r.Method == http.MethodOptions {
		if allowed {
			p.setPreflightHeaders(w.Header())
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	next.ServeHTTP(w, r)
}

// CORSMiddleware adds CORS headers and short-circuits preflight requests.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return passthrough
	}

	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy.handle(w, r, next)
		})
	}
}
