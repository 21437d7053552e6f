package cache

import (
	"context"
	"strconv"
	"time"

	"possale/backend/internal/domain"
)

// ReportCache holds computed sales rollups for a short TTL. Reports are
// rebuilt from the ledger on a miss, so entries are disposable.
//
// Keys carry the generation read before the ledger query. Invalidate bumps
// the generation, so rows computed before a sale land under a key no later
// reader asks for.
type ReportCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, key string) ([]domain.ReportRow, bool, error)
	Set(ctx context.Context, key string, rows []domain.ReportRow, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Get(_ context.Context, _ string) ([]domain.ReportRow, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ []domain.ReportRow, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}

func ReportKey(generation int64, group string, from string, to string) string {
	return "report:" + strconv.FormatInt(generation, 10) + ":" + group + ":" + from + ":" + to
}
