package renderlog

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the URL scheme: empty for in-memory,
// postgres:// or postgresql:// for PostgreSQL, sqlite:// or file: for SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(0), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "file:"))
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", redactURL(url))
	}
}

func redactURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "…"
	}
	return "…"
}
