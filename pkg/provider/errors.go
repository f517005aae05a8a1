package provider

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"openclaw/pkg/oops"
)

// classify maps a vendor SDK error onto a platform error code. Quota
// exhaustion matters most: it takes the provider out of rotation for the
// rest of the UTC day.
func classify(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var classified *oops.Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return oops.Wrap(oops.KindProvider, oops.CodeProviderTransient, err, providerName)
	}

	msg := strings.ToLower(err.Error())

	if status, ok := extractStatusCode(err.Error()); ok {
		switch {
		case status == 429:
			return oops.Wrap(oops.KindProvider, oops.CodeQuotaExhausted, err, providerName)
		case status == 401 || status == 403:
			return oops.Wrap(oops.KindProvider, oops.CodeProviderAuth, err, providerName)
		case status == 400 || status == 413 || status == 422:
			return oops.Wrap(oops.KindProvider, oops.CodeBadPrompt, err, providerName)
		case status >= 500:
			return oops.Wrap(oops.KindProvider, oops.CodeProviderTransient, err, providerName)
		}
	}

	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		return oops.Wrap(oops.KindProvider, oops.CodeQuotaExhausted, err, providerName)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api key"):
		return oops.Wrap(oops.KindProvider, oops.CodeProviderAuth, err, providerName)
	case strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "too large") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "malformed"):
		return oops.Wrap(oops.KindProvider, oops.CodeBadPrompt, err, providerName)
	default:
		// Timeouts, connection resets, truncated bodies, overloads, and
		// anything unrecognized: worth retrying on another provider.
		return oops.Wrap(oops.KindProvider, oops.CodeProviderTransient, err, providerName)
	}
}

// IsDayExhausting reports whether the failure should take the provider out
// of rotation until the next UTC day.
func IsDayExhausting(err error) bool {
	return oops.Is(err, oops.CodeQuotaExhausted)
}

// extractStatusCode scans an SDK error string for an embedded HTTP status.
func extractStatusCode(errStr string) (int, bool) {
	patterns := []string{"status code: ", "status code ", "status: ", "http ", "code "}
	lower := strings.ToLower(errStr)

	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx < 0 {
			continue
		}
		rest := lower[idx+len(pattern):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end != 3 {
			continue
		}
		status, err := strconv.Atoi(rest[:end])
		if err == nil && status >= 100 && status < 600 {
			return status, true
		}
	}
	return 0, false
}
