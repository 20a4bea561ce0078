package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"schoolsync/internal/config"
)

var errPermissionDenied = errors.New("permission denied")

// PermissionFunc returns the permission a request needs. An empty string
// lets any authenticated client through.
type PermissionFunc func(r *http.Request) string

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	auth     config.APIAuthConfig
	clients  map[string]config.APIClientKey
	limiter  *rateLimiter
	required PermissionFunc
	public   map[string]bool
}

// NewHTTPAuth builds the middleware. Paths listed in public skip the key
// check but are still rate limited.
func NewHTTPAuth(auth config.APIAuthConfig, limits config.APIRateLimitConfig, required PermissionFunc, public ...string) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(auth.APIKeys))
	for _, k := range auth.APIKeys {
		m[k.Key] = k
	}
	p := make(map[string]bool, len(public))
	for _, path := range public {
		p[path] = true
	}
	return &HTTPAuth{
		auth:     auth,
		clients:  m,
		limiter:  newRateLimiter(limits),
		required: required,
		public:   p,
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.auth.Enabled && !a.public[r.URL.Path] {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				WriteError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header(a.auth.HeaderAPIKey, "x-api-key")))
	extra := strings.TrimSpace(r.Header.Get(a.header(a.auth.HeaderExtra, "x-api-extra")))
	if apiKey == "" || extra == "" {
		return errors.New("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return errors.New("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errors.New("invalid extra header")
	}

	return a.checkPermissions(client, r)
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	if a.required == nil {
		return nil
	}
	required := a.required(r)
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header(a.auth.HeaderAPIKey, "x-api-key"))); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) header(name, fallback string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return fallback
	}
	return name
}

// ReadWritePermissions requires read:{scope} for safe methods and
// write:{scope} for everything else.
func ReadWritePermissions(scope string) PermissionFunc {
	return func(r *http.Request) string {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			return "read:" + scope
		default:
			return "write:" + scope
		}
	}
}
