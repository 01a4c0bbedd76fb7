package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
)

// PostgresStore persists rides, drivers and payment records. The status CAS
// runs inside a transaction that re-reads the row under lock, so a write
// whose precondition no longer holds fails with ConflictError instead of
// overwriting a concurrent transition.
type PostgresStore struct {
	db   *sql.DB
	feed *feed
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, feed: newFeed()}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, status, rider_id, rider_name, rider_phone,
	pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	scheduled_at, estimated_fare_cents, distance_meters, estimated_seconds,
	driver_id, pos_lat, pos_lon, pos_heading, pos_speed, pos_at,
	created_at, accepted_at, started_at, completed_at, cancelled_at, timeout_at,
	updated_at, payment_method, cancel_reason, reviewed`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		rideArgs(r)...)
	if err != nil {
		return fmt.Errorf("create ride: %w", err)
	}
	p.feed.publish(*r)
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row, id)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expect models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id)
	r, err := scanRide(row, id)
	if err != nil {
		return nil, err
	}
	if r.Status != expect {
		return nil, &rideerr.ConflictError{RideID: id, Expected: string(expect), Actual: string(r.Status)}
	}
	mutate(r)
	r.UpdatedAt = time.Now()

	res, err := tx.ExecContext(ctx, `UPDATE rides SET
		status=$2, driver_id=$3, pos_lat=$4, pos_lon=$5, pos_heading=$6, pos_speed=$7, pos_at=$8,
		accepted_at=$9, started_at=$10, completed_at=$11, cancelled_at=$12, timeout_at=$13,
		updated_at=$14, cancel_reason=$15, reviewed=$16
		WHERE id=$1 AND status=$17`,
		r.ID, r.Status, nullStr(r.DriverID),
		posLat(r.DriverPosition), posLon(r.DriverPosition), posHeading(r.DriverPosition), posSpeed(r.DriverPosition), posAt(r.DriverPosition),
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.TimeoutAt,
		r.UpdatedAt, nullStr(r.CancelReason), r.Reviewed, expect)
	if err != nil {
		return nil, fmt.Errorf("update ride %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &rideerr.ConflictError{RideID: id, Expected: string(expect)}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.feed.publish(*r)
	return r, nil
}

func (p *PostgresStore) TouchPosition(ctx context.Context, id string, pos models.PositionSample) error {
	// Deliberately outside any transaction and conditioned only on the ride
	// still being trackable; this path must never contend with status writes.
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		pos_lat=$2, pos_lon=$3, pos_heading=$4, pos_speed=$5, pos_at=$6, updated_at=$7
		WHERE id=$1 AND status IN ('accepted','arrived','in_progress')`,
		id, pos.Lat, pos.Lon, pos.HeadingDeg, pos.SpeedMps, pos.At, time.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if r, err := p.GetRide(ctx, id); err == nil {
		p.feed.publish(*r)
	}
	return nil
}

func (p *PostgresStore) SetReviewed(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET reviewed=true, updated_at=$2 WHERE id=$1`, id, time.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1`, s)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers
		(id, name, phone, online, pos_lat, pos_lon, pos_heading, pos_speed, pos_at, rating_avg, rating_count, vehicle_make, vehicle_model, vehicle_color, vehicle_plate, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
		name=EXCLUDED.name, phone=EXCLUDED.phone, online=EXCLUDED.online,
		pos_lat=EXCLUDED.pos_lat, pos_lon=EXCLUDED.pos_lon, pos_heading=EXCLUDED.pos_heading,
		pos_speed=EXCLUDED.pos_speed, pos_at=EXCLUDED.pos_at,
		rating_avg=EXCLUDED.rating_avg, rating_count=EXCLUDED.rating_count,
		vehicle_make=EXCLUDED.vehicle_make, vehicle_model=EXCLUDED.vehicle_model,
		vehicle_color=EXCLUDED.vehicle_color, vehicle_plate=EXCLUDED.vehicle_plate,
		updated_at=EXCLUDED.updated_at`,
		d.ID, d.Name, d.Phone, d.Online,
		posLat(d.Position), posLon(d.Position), posHeading(d.Position), posSpeed(d.Position), posAt(d.Position),
		d.RatingAvg, d.RatingCount, d.Vehicle.Make, d.Vehicle.Model, d.Vehicle.Color, d.Vehicle.Plate, time.Now())
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, phone, online, pos_lat, pos_lon, pos_heading, pos_speed, pos_at, rating_avg, rating_count, vehicle_make, vehicle_model, vehicle_color, vehicle_plate, updated_at FROM drivers WHERE id=$1`, id)
	return scanDriver(row, id)
}

func (p *PostgresStore) ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, phone, online, pos_lat, pos_lon, pos_heading, pos_speed, pos_at, rating_avg, rating_count, vehicle_make, vehicle_model, vehicle_color, vehicle_plate, updated_at FROM drivers WHERE online=true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pr *models.PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments
		(ride_id, method, status, auth_ref, client_secret, authorized_cents, captured_cents, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		pr.RideID, pr.Method, pr.Status, nullStr(pr.AuthRef), nullStr(pr.ClientSecret),
		pr.AuthorizedAmountCents, pr.CapturedAmountCents, time.Now())
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, rideID string) (*models.PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT ride_id, method, status, auth_ref, client_secret, authorized_cents, captured_cents, updated_at FROM payments WHERE ride_id=$1`, rideID)
	return scanPayment(row, rideID)
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, rideID string, mutate func(*models.PaymentRecord) error) (*models.PaymentRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT ride_id, method, status, auth_ref, client_secret, authorized_cents, captured_cents, updated_at FROM payments WHERE ride_id=$1 FOR UPDATE`, rideID)
	pr, err := scanPayment(row, rideID)
	if err != nil {
		return nil, err
	}
	if err := mutate(pr); err != nil {
		return nil, err
	}
	pr.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx, `UPDATE payments SET status=$2, auth_ref=$3, client_secret=$4, authorized_cents=$5, captured_cents=$6, updated_at=$7 WHERE ride_id=$1`,
		pr.RideID, pr.Status, nullStr(pr.AuthRef), nullStr(pr.ClientSecret), pr.AuthorizedAmountCents, pr.CapturedAmountCents, pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pr, nil
}

func (p *PostgresStore) ListPaymentsByStatus(ctx context.Context, statuses ...models.PaymentStatus) ([]*models.PaymentRecord, error) {
	var out []*models.PaymentRecord
	for _, s := range statuses {
		rows, err := p.db.QueryContext(ctx, `SELECT ride_id, method, status, auth_ref, client_secret, authorized_cents, captured_cents, updated_at FROM payments WHERE status=$1`, s)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			pr, err := scanPayment(rows, "")
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, pr)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (p *PostgresStore) Subscribe(rideID string) (<-chan RideEvent, func()) {
	return p.feed.subscribe(rideID)
}

// --- row mapping helpers ---

type rowScanner interface{ Scan(dest ...any) error }

func rideArgs(r *models.Ride) []any {
	return []any{
		r.ID, r.Status, r.RiderID, r.RiderName, r.RiderPhone,
		r.Pickup.Coord.Lat, r.Pickup.Coord.Lon, r.Pickup.Address,
		r.Destination.Coord.Lat, r.Destination.Coord.Lon, r.Destination.Address,
		r.ScheduledAt, r.EstimatedFare, r.DistanceMeters, r.EstimatedSeconds,
		nullStr(r.DriverID),
		posLat(r.DriverPosition), posLon(r.DriverPosition), posHeading(r.DriverPosition), posSpeed(r.DriverPosition), posAt(r.DriverPosition),
		r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.TimeoutAt,
		r.UpdatedAt, r.PaymentMethod, nullStr(r.CancelReason), r.Reviewed,
	}
}

func scanRide(row rowScanner, id string) (*models.Ride, error) {
	var r models.Ride
	var driverID, cancelReason sql.NullString
	var posLat, posLon, posHeading, posSpeed sql.NullFloat64
	var posAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Status, &r.RiderID, &r.RiderName, &r.RiderPhone,
		&r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon, &r.Pickup.Address,
		&r.Destination.Coord.Lat, &r.Destination.Coord.Lon, &r.Destination.Address,
		&r.ScheduledAt, &r.EstimatedFare, &r.DistanceMeters, &r.EstimatedSeconds,
		&driverID, &posLat, &posLon, &posHeading, &posSpeed, &posAt,
		&r.CreatedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.TimeoutAt,
		&r.UpdatedAt, &r.PaymentMethod, &cancelReason, &r.Reviewed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelReason = cancelReason.String
	if posAt.Valid {
		r.DriverPosition = &models.PositionSample{
			Lat: posLat.Float64, Lon: posLon.Float64,
			HeadingDeg: posHeading.Float64, SpeedMps: posSpeed.Float64, At: posAt.Time,
		}
	}
	return &r, nil
}

func scanDriver(row rowScanner, id string) (*models.Driver, error) {
	var d models.Driver
	var posLat, posLon, posHeading, posSpeed sql.NullFloat64
	var posAt sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Online,
		&posLat, &posLon, &posHeading, &posSpeed, &posAt,
		&d.RatingAvg, &d.RatingCount,
		&d.Vehicle.Make, &d.Vehicle.Model, &d.Vehicle.Color, &d.Vehicle.Plate, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rideerr.NotFoundError{Kind: "driver", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if posAt.Valid {
		d.Position = &models.PositionSample{
			Lat: posLat.Float64, Lon: posLon.Float64,
			HeadingDeg: posHeading.Float64, SpeedMps: posSpeed.Float64, At: posAt.Time,
		}
	}
	return &d, nil
}

func scanPayment(row rowScanner, rideID string) (*models.PaymentRecord, error) {
	var pr models.PaymentRecord
	var authRef, clientSecret sql.NullString
	err := row.Scan(&pr.RideID, &pr.Method, &pr.Status, &authRef, &clientSecret,
		&pr.AuthorizedAmountCents, &pr.CapturedAmountCents, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rideerr.NotFoundError{Kind: "payment", ID: rideID}
	}
	if err != nil {
		return nil, err
	}
	pr.AuthRef = authRef.String
	pr.ClientSecret = clientSecret.String
	return &pr, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func posLat(p *models.PositionSample) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}
}

func posLon(p *models.PositionSample) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lon, Valid: true}
}

func posHeading(p *models.PositionSample) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.HeadingDeg, Valid: true}
}

func posSpeed(p *models.PositionSample) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.SpeedMps, Valid: true}
}

func posAt(p *models.PositionSample) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.At, Valid: true}
}
