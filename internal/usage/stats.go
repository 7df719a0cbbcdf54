// Package usage meters billable requests and turns them into invoice line
// items, both for live display on the draft and authoritatively at
// finalization.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"suiftly/api_billing/internal/models"
)

// StatsQuerier answers billable request counts for a half-open window.
// The stats pipeline owns the data; billing only reads it.
type StatsQuerier interface {
	GetBillableRequestCount(ctx context.Context, customerID string, serviceType models.ServiceType, start, end time.Time) (int64, error)
}

// PostgresStats counts request_stats rows written by the ingest pipeline.
type PostgresStats struct {
	db *sql.DB
}

// NewPostgresStats creates the production stats querier.
func NewPostgresStats(db *sql.DB) *PostgresStats {
	return &PostgresStats{db: db}
}

// GetBillableRequestCount counts billable requests with ts in [start, end).
// The window is inclusive of start and exclusive of end so adjacent windows
// never double-count a request.
func (s *PostgresStats) GetBillableRequestCount(ctx context.Context, customerID string, serviceType models.ServiceType, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM request_stats
		WHERE customer_id = $1 AND service_type = $2 AND billable
		  AND ts >= $3 AND ts < $4
	`, customerID, int16(serviceType), start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count billable requests: %w", err)
	}
	return count, nil
}
