// Package source fetches the per-period content (the week letter) a tenant
// should receive.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"famsched/internal/delivery"
	"famsched/internal/tenant"
)

var ErrBadKey = errors.New("source: unsafe tenant or period key")

// Source returns the content for a tenant and period. Empty content means
// nothing is published yet.
type Source interface {
	FetchPeriodContent(ctx context.Context, k tenant.Key, period string) (string, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, k tenant.Key, period string) (string, error)

func (f Func) FetchPeriodContent(ctx context.Context, k tenant.Key, period string) (string, error) {
	return f(ctx, k, period)
}

// Dir reads <Root>/<tenant>/<period>.txt. A missing file is empty content.
type Dir struct {
	Root string
}

func (d Dir) Path(k tenant.Key, period string) (string, error) {
	for _, part := range []string{string(k), period} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrBadKey, part)
		}
	}
	return filepath.Join(d.Root, string(k), period+".txt"), nil
}

func (d Dir) FetchPeriodContent(ctx context.Context, k tenant.Key, period string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := d.Path(k, period)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DefaultPlaceholders are texts the school portal shows before a letter is
// written.
var DefaultPlaceholders = []string{
	"Der er ikke skrevet nogen ugenoter til denne uge",
}

// IsPlaceholder reports whether content is empty or one of the known
// "nothing yet" texts.
func IsPlaceholder(content string, placeholders []string) bool {
	c := strings.ToLower(delivery.Canonical(content))
	if c == "" {
		return true
	}
	for _, p := range placeholders {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(c, p) {
			return true
		}
	}
	return false
}
