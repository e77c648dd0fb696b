// Package errors derives low-cardinality error classes for metric tags and notifications.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/mmk-report-api/internal/core"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Provider failures classify by kind, application errors by code; anything else
// falls back to the innermost concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	if kind := core.ProviderErrorKindOf(err); kind != "" {
		return "provider_" + string(kind)
	}
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
