package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/events"
)

// DefaultAnalyticsTable receives audit events for dispute analytics.
const DefaultAnalyticsTable = "wallet_audit_events"

// OpenClickHouse connects to the analytics store.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// AnalyticsRow is one audit record as stored in ClickHouse.
type AnalyticsRow struct {
	ID                 uuid.UUID
	EventID            string
	TransactionID      uuid.UUID
	WalletID           uuid.UUID
	UserID             string
	FromStatus         string
	ToStatus           string
	Actor              string
	ActorRole          string
	RecordedAt         time.Time
	WalletVersionAfter int64
	HashPrev           string
	HashCurr           string
}

func (r AnalyticsRow) values() []any {
	return []any{
		r.ID, r.EventID, r.TransactionID, r.WalletID, r.UserID,
		r.FromStatus, r.ToStatus, r.Actor, r.ActorRole,
		r.RecordedAt, r.WalletVersionAfter, r.HashPrev, r.HashCurr,
	}
}

// RowFromEvent maps an audit.recorded event to its analytics row.
func RowFromEvent(ev *events.Event) (AnalyticsRow, error) {
	if ev.Type != events.EventAuditRecorded {
		return AnalyticsRow{}, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	var data events.AuditData
	if err := ev.DecodeData(&data); err != nil {
		return AnalyticsRow{}, err
	}
	row := AnalyticsRow{
		EventID:            ev.ID,
		UserID:             data.UserID,
		FromStatus:         data.FromStatus,
		ToStatus:           data.ToStatus,
		Actor:              data.Actor,
		ActorRole:          data.ActorRole,
		RecordedAt:         data.Timestamp.UTC(),
		WalletVersionAfter: data.WalletVersionAfter,
		HashPrev:           data.HashPrev,
		HashCurr:           data.HashCurr,
	}
	var err error
	if row.ID, err = uuid.Parse(data.ID); err != nil {
		return AnalyticsRow{}, fmt.Errorf("invalid audit id: %w", err)
	}
	if row.TransactionID, err = uuid.Parse(data.TransactionID); err != nil {
		return AnalyticsRow{}, fmt.Errorf("invalid transaction id: %w", err)
	}
	if row.WalletID, err = uuid.Parse(data.WalletID); err != nil {
		return AnalyticsRow{}, fmt.Errorf("invalid wallet id: %w", err)
	}
	return row, nil
}

// ClickHouseSink copies audit events into ClickHouse. Redeliveries collapse
// on the ReplacingMergeTree sort key.
type ClickHouseSink struct {
	conn   driver.Conn
	table  string
	logger *slog.Logger
}

// NewClickHouseSink creates new sink
func NewClickHouseSink(conn driver.Conn, table string, logger *slog.Logger) *ClickHouseSink {
	if table == "" {
		table = DefaultAnalyticsTable
	}
	return &ClickHouseSink{conn: conn, table: table, logger: logger}
}

// EnsureTable creates the analytics table if missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id UUID,
		event_id String,
		transaction_id UUID,
		wallet_id UUID,
		user_id String,
		from_status LowCardinality(String),
		to_status LowCardinality(String),
		actor String,
		actor_role LowCardinality(String),
		recorded_at DateTime64(6, 'UTC'),
		wallet_version_after Int64,
		hash_prev String,
		hash_curr String
	) ENGINE = ReplacingMergeTree
	ORDER BY (wallet_id, recorded_at, id)`
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create analytics table: %w", err)
	}
	return nil
}

// Handle is an events.EventHandler. Malformed events are rejected permanently;
// insert failures are requeued.
func (s *ClickHouseSink) Handle(ctx context.Context, ev *events.Event) error {
	row, err := RowFromEvent(ev)
	if err != nil {
		s.logger.Warn("dropping malformed audit event", "event_id", ev.ID, "error", err)
		return events.Permanent(err)
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("failed to prepare analytics batch: %w", err)
	}
	if err := batch.Append(row.values()...); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append analytics row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send analytics batch: %w", err)
	}
	return nil
}

// Subscribe binds the sink to audit events on the wallet exchange.
func (s *ClickHouseSink) Subscribe(consumer *events.RabbitMQConsumer) error {
	return consumer.SubscribeWithBinding(events.QueueAuditAnalytics, events.ExchangeWallet, events.EventAuditRecorded, s.Handle)
}
