// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, a structured HTTP logger that
// automatically scrubs sensitive payment material from request metadata
// before emitting logs.
//
// Design goals:
//   - Default-safe: never logs request or response bodies (callback bodies
//     carry signatures and encrypted payloads)
//   - Masks sensitive query parameters (registration tokens, signatures)
//   - Redacts common identifiers (emails, UUIDs) from whatever remains
//   - Masks sensitive headers (Authorization, Cookie, Set-Cookie, plus custom)
//   - Produces structured JSON logs via zerolog
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskQueryParams: []string{"token"},
//	}))
//
// Security note: this middleware reduces but does not eliminate the risk of
// sensitive data leaking to logs. Callback URLs embed registration tokens by
// protocol necessity, which is exactly why the query string must be scrubbed
// here rather than logged raw.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders specifies extra HTTP header names whose values will be fully
// replaced with "[REDACTED]". Matching is case-insensitive and merged with
// built-in sensitive headers ("Authorization", "Cookie", "Set-Cookie").
//
// MaskQueryParams specifies query parameter names whose values are fully
// replaced. Matching is case-insensitive and merged with the built-in set
// ("token", "sign").
type RedactOptions struct {
	MaskHeaders     []string
	MaskQueryParams []string
}

// RedactingLogger returns a Gin middleware that logs HTTP requests and
// responses with sensitive values scrubbed.
//
// Behavior:
//   - Logs method, path, query string, status, response size, latency,
//     and request headers (with scrubbing applied).
//   - Fully masks the values of sensitive query parameters (registration
//     tokens and gateway signatures) before any other processing.
//   - Applies regex-based substitution to redact email addresses and
//     UUID-like identifiers from query strings and header values.
//   - Fully masks built-in sensitive headers and any additional headers
//     provided in opts.MaskHeaders.
//   - Logs in structured JSON format at INFO level by default, WARN for 4xx,
//     and ERROR for 5xx responses.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	// Compile regex patterns once.
	uuidRE := regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE := regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

	redact := func(s string) string {
		if s == "" {
			return s
		}
		out := s
		out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
		out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
		return out
	}

	// Build query param mask set (case-insensitive).
	maskParams := map[string]struct{}{
		"token": {},
		"sign":  {},
	}
	for _, p := range opts.MaskQueryParams {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			maskParams[p] = struct{}{}
		}
	}

	// maskQuery replaces the values of sensitive parameters wholesale while
	// keeping the rest of the query string intact for debugging.
	maskQuery := func(rawQuery string) string {
		if rawQuery == "" {
			return rawQuery
		}
		vals, err := url.ParseQuery(rawQuery)
		if err != nil {
			// Unparseable query: redact the whole thing rather than risk a leak.
			return "[REDACTED:query]"
		}
		for k := range vals {
			if _, ok := maskParams[strings.ToLower(k)]; ok {
				vals[k] = []string{"[REDACTED]"}
			}
		}
		out, _ := url.QueryUnescape(vals.Encode())
		return out
	}

	// Build header mask set (case-insensitive).
	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		// Request path and query.
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redact(maskQuery(c.Request.URL.RawQuery))

		// Scrub headers.
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			keyLower := strings.ToLower(k)
			val := strings.Join(vv, ", ")
			if _, ok := maskHeaders[keyLower]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(val)
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		// Severity based on status.
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", size).
			Dur("latency", latency).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
