// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"tradejournal/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Broker CSV formats
	SaveFormat(ctx context.Context, format *models.BrokerCsvFormat) error
	UpdateFormat(ctx context.Context, format *models.BrokerCsvFormat) error
	// GetFormatByID returns an error wrapping errors.ErrFormatNotFound when
	// no format has the id; other errors indicate storage failures.
	GetFormatByID(ctx context.Context, id string) (*models.BrokerCsvFormat, error)
	GetFormatBySignature(ctx context.Context, brokerID, signature string) (*models.BrokerCsvFormat, error)
	IncrementFormatUsage(ctx context.Context, id string) error
	ListFormats(ctx context.Context, filter FormatFilter) ([]FormatSummary, error)

	// Per-format advisory lock. Acquire returns (acquired, currentHolder).
	// Re-acquiring with the same owner extends the lease.
	AcquireFormatLock(ctx context.Context, formatID, owner string, ttl time.Duration) (bool, string, error)
	ReleaseFormatLock(ctx context.Context, formatID, owner string) error

	// Order staging
	SaveStagingRows(ctx context.Context, rows []models.OrderStaging) error
	UpdateStagingRow(ctx context.Context, row *models.OrderStaging) error
	// ClaimStagingRow performs a compare-and-set status transition. The
	// process that wins the claim owns the row's migration.
	ClaimStagingRow(ctx context.Context, id string, from, to models.MigrationStatus) (bool, error)
	GetStagingRows(ctx context.Context, filter StagingFilter) ([]models.OrderStaging, error)
	CountStagingRows(ctx context.Context, filter StagingFilter) (int, error)
	// ListOrphanedStaging finds rows still PENDING or FAILED whose format is
	// already approved (crash or partial-failure recovery).
	ListOrphanedStaging(ctx context.Context) ([]models.OrderStaging, error)

	// Orders
	InsertOrders(ctx context.Context, orders []models.Order) error
	GetOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	// AttributeOrders links orders to a trade and marks them used, in one
	// transaction.
	AttributeOrders(ctx context.Context, tradeID string, orderIDs []string) error
	ResetTradeAttribution(ctx context.Context, userID string) error
	// RollbackMigration reverses a completed migration for a format: deletes
	// the orders created from its MIGRATED staging rows and resets those rows
	// to PENDING. Returns the number of rows rolled back.
	RollbackMigration(ctx context.Context, formatID string) (int, error)

	// Trades
	InsertTrade(ctx context.Context, trade *models.Trade) error
	ReplaceCalculatedTrades(ctx context.Context, userID string, trades []models.Trade) error
	// DeleteTrades removes trades by id. Attribution on their constituent
	// orders is untouched; callers re-link orders to replacing trades.
	DeleteTrades(ctx context.Context, tradeIDs []string) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)

	// Idempotency records for approval migrations
	GetMigrationResult(ctx context.Context, idempotencyKey string) (*models.MigrationResult, error)
	SaveMigrationResult(ctx context.Context, idempotencyKey string, result *models.MigrationResult) error

	// Mapping feedback (append-only)
	SaveMappingFeedback(ctx context.Context, fb *models.MappingFeedback) error

	// Lifecycle
	Close() error
}

// FormatSortKey selects the sort order for format listings.
type FormatSortKey string

const (
	SortByCreated      FormatSortKey = "created"
	SortByConfidence   FormatSortKey = "confidence"
	SortByPendingCount FormatSortKey = "pending"
)

// FormatFilter represents filters for querying broker csv formats.
// ExcludeRejected is applied in SQL so pagination stays accurate.
type FormatFilter struct {
	BrokerID        string
	Approved        *bool
	ExcludeRejected bool
	SortBy          FormatSortKey
	Limit           int
	Offset          int
}

// FormatSummary is a format plus its pending staging row count, for the
// admin review surface.
type FormatSummary struct {
	Format       models.BrokerCsvFormat
	PendingCount int
}

// StagingFilter represents filters for querying staging rows.
type StagingFilter struct {
	FormatID string
	UserID   string
	BatchID  string
	Statuses []models.MigrationStatus
	Limit    int
	Offset   int
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	UserID      string
	Symbol      string
	BatchID     string
	UsedInTrade *bool
	Limit       int
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	UserID string
	Symbol string
	Status models.TradeStatus
	Limit  int
}
