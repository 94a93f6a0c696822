package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a SQL file; statements are expected to be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const upsertRide = `
INSERT INTO rides(id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, ride_class, status, driver_id,
	distance_km, currency, estimate, payment_intent_id, driver_lat, driver_lng, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	driver_id = EXCLUDED.driver_id,
	payment_intent_id = COALESCE(rides.payment_intent_id, EXCLUDED.payment_intent_id),
	driver_lat = EXCLUDED.driver_lat,
	driver_lng = EXCLUDED.driver_lng,
	updated_at = EXCLUDED.updated_at
WHERE rides.updated_at <= EXCLUDED.updated_at`

// UpsertRide writes a ride snapshot. Older snapshots never overwrite newer ones.
func (p *PostgresStore) UpsertRide(ctx context.Context, r models.Ride) error {
	var driverLat, driverLng sql.NullFloat64
	if r.DriverLocation != nil {
		driverLat = sql.NullFloat64{Float64: r.DriverLocation.Lat, Valid: true}
		driverLng = sql.NullFloat64{Float64: r.DriverLocation.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, upsertRide,
		r.ID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, string(r.Class), string(r.Status),
		nullString(r.DriverID), r.Quote.DistanceKm, r.Quote.Currency, r.Quote.Estimate,
		nullString(r.PaymentIntentID), driverLat, driverLng, r.CreatedAt, r.UpdatedAt)
	return err
}

const upsertRefund = `
INSERT INTO refunds(id, ride_id, amount, reason, status, processor_refund_id, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	processor_refund_id = EXCLUDED.processor_refund_id,
	updated_at = EXCLUDED.updated_at
WHERE refunds.updated_at <= EXCLUDED.updated_at`

func (p *PostgresStore) UpsertRefund(ctx context.Context, r models.Refund) error {
	var amount sql.NullInt64
	if r.Amount != nil {
		amount = sql.NullInt64{Int64: *r.Amount, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, upsertRefund,
		r.ID, r.RideID, amount, nullString(r.Reason), string(r.Status), nullString(r.ProcessorRefundID), r.CreatedAt, r.UpdatedAt)
	return err
}

// MarkProcessed inserts the webhook event record unless it already exists.
func (p *PostgresStore) MarkProcessed(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_events(id, type, processed_at) VALUES($1,$2,$3) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.ProcessedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
