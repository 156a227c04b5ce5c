package nifi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
)

// FieldAuth is the rejection field for authentication failures.
const FieldAuth = "auth"

// FieldSchedulingPeriod is the rejection field for invalid scheduling periods.
const FieldSchedulingPeriod = "scheduling.period"

var (
	validatedAgainst = regexp.MustCompile(`^'([^']+)' validated against .* is invalid`)
	isInvalid        = regexp.MustCompile(`'([^']+)' is invalid`)
)

// extractField returns the property named by a NiFi validation message.
func extractField(msg string) string {
	if m := validatedAgainst.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := isInvalid.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

// edgeDependent reports whether a validation error only exists because the
// processor has no connections yet.
func edgeDependent(msg string) bool {
	return strings.HasPrefix(msg, "'Relationship") || strings.HasPrefix(msg, "'Upstream Connections")
}

// classifyTransport turns a failed HTTP exchange into an engine error. When
// the caller's context is done the raw context error is returned, so the
// caller can tell its own timeout from a network failure.
func classifyTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return engine.NewTransientError(fmt.Sprintf("%s: request failed", op), err).WithOperation(op)
}

// withRetryAfter attaches the wait requested by a Retry-After header to a
// throttled error. The header holds either delay seconds or an HTTP date.
func withRetryAfter(err error, header string, now time.Time) error {
	ee := engine.AsEngineError(err)
	header = strings.TrimSpace(header)
	if ee == nil || !engine.IsThrottled(err) || header == "" {
		return err
	}
	if secs, perr := strconv.Atoi(header); perr == nil {
		if secs >= 0 {
			ee.WithDetail(engine.DetailRetryAfter, time.Duration(secs)*time.Second)
		}
		return err
	}
	if at, perr := http.ParseTime(header); perr == nil {
		ee.WithDetail(engine.DetailRetryAfter, max(at.Sub(now), 0))
	}
	return err
}

// classifyStatus maps a non-2xx response to an engine error.
func classifyStatus(op string, status int, body string) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("HTTP %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return engine.NewThrottledError(op+": throttled by NiFi", cause).
			WithOperation(op).WithDetail("status", status)

	case status == http.StatusConflict:
		return engine.NewConflictError(op+": "+msg, cause).
			WithOperation(op).WithDetail("status", status)

	case status >= 500:
		return engine.NewTransientError(op+": "+msg, cause).
			WithOperation(op).WithCode(engine.ErrCodeInternal).WithDetail("status", status)

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewRejection(FieldAuth, msg).
			WithOperation(op).WithCode(engine.ErrCodeUnauthorized).WithDetail("status", status).
			Unhealable()

	case status == http.StatusNotFound:
		return engine.NewRejection(extractField(msg), msg).
			WithOperation(op).WithCode(engine.ErrCodeNotFound).WithDetail("status", status)

	default:
		field := extractField(msg)
		if status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "scheduling period") {
			field = FieldSchedulingPeriod
		}
		return engine.NewRejection(field, msg).
			WithOperation(op).WithCode(engine.ErrCodeValidation).WithDetail("status", status)
	}
}

// errorMessage extracts a readable message from a NiFi error body, which is
// plain text for most errors and JSON for a few.
func errorMessage(body string) string {
	body = strings.TrimSpace(body)
	if gjson.Valid(body) {
		res := gjson.Parse(body)
		for _, key := range []string{"message", "error", "statusMessage"} {
			if v := res.Get(key); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	return body
}

// isNotFound reports whether err is a 404 from NiFi.
func isNotFound(err error) bool {
	ee := engine.AsEngineError(err)
	return ee != nil && ee.Code == engine.ErrCodeNotFound && ee.Details["status"] == http.StatusNotFound
}

var errNoID = errors.New("response carries no component id")
