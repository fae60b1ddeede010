package api_bouncer

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Extractor    = &clientIPExtractor{}
)

const (
	rateLimitLimit     = "X-RateLimit-Limit"
	rateLimitRemaining = "X-RateLimit-Remaining"
	rateLimitReset     = "X-RateLimit-Reset"
	retryAfter         = "Retry-After"
)

// UnknownIdentifier is used when no client address can be determined.
const UnknownIdentifier = "unknown"

// Extractor extracts a key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// if we can't find a value for a header we should return an error
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set", key)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates a new Extractor.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type clientIPExtractor struct{}

// Extract returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host of the remote address. It never fails.
func (c *clientIPExtractor) Extract(r *http.Request) (string, error) {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, nil
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip, nil
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host, nil
		}
		return r.RemoteAddr, nil
	}

	return UnknownIdentifier, nil
}

// NewClientIPExtractor identifies clients by network address. Forwarding
// headers are trusted as sent.
func NewClientIPExtractor() Extractor {
	return &clientIPExtractor{}
}

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	Extractor Extractor
	Admitter  Admitter
	// Route maps a request to its route key. Defaults to the URL path.
	Route  func(r *http.Request) string
	Logger *zap.Logger
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
	logger  *zap.Logger
}

// errorBody is the JSON body of every rejected request.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate limiting before forwarding the
// request to the API
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
		logger:  logger,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identifier, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, errorBody{
			Error:   http.StatusText(http.StatusBadRequest),
			Message: fmt.Sprintf("failed to extract rate limiting key from request: %v", err),
		})
		return
	}

	route := r.URL.Path
	if h.config.Route != nil {
		route = h.config.Route(r)
	}

	decision, err := h.config.Admitter.Admit(r.Context(), identifier, route)
	if err != nil {
		h.logger.Error("rate limiting failed",
			zap.String("identifier", identifier),
			zap.String("route", route),
			zap.Error(err),
		)
		h.writeResponse(w, http.StatusInternalServerError, errorBody{
			Error:   http.StatusText(http.StatusInternalServerError),
			Message: "rate limiting is not available",
		})
		return
	}

	seconds := decision.RetryAfterSeconds()

	switch {
	case decision.Blocked:
		w.Header().Set(retryAfter, strconv.FormatInt(seconds, 10))
		h.writeResponse(w, http.StatusTooManyRequests, errorBody{
			Error:      "Temporarily Blocked",
			Message:    "Your address has been temporarily blocked due to repeated rate limit violations.",
			RetryAfter: &seconds,
		})
		return

	// Too many requests
	case !decision.Allowed:
		w.Header().Set(rateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set(rateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
		w.Header().Set(retryAfter, strconv.FormatInt(seconds, 10))
		h.writeResponse(w, http.StatusTooManyRequests, errorBody{
			Error:      "Too Many Requests",
			Message:    "Rate limit exceeded. Please try again later.",
			RetryAfter: &seconds,
		})
		return

	case decision.Degraded:
		// no quota is known while the store is down

	default:
		w.Header().Set(rateLimitLimit, strconv.FormatInt(decision.Limit, 10))
		w.Header().Set(rateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set(rateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}

	h.handler.ServeHTTP(w, r)
}

func (h *httpRateLimiterHandler) writeResponse(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write body to HTTP response", zap.Error(err))
	}
}
