package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address, dropoff_lat, dropoff_lon, dropoff_address, fare_estimate, eta_seconds, status, cancel_reason, version, created_at, status_changed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, nullable(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address, r.FareEstimate, r.ETASeconds,
		string(r.Status), r.CancelReason, r.Version, r.CreatedAt, r.StatusChangedAt)
	return err
}

// UpdateRide writes the projection guarded by version so replays and
// reordered updates cannot regress the stored record.
func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET driver_id=$1, status=$2, cancel_reason=$3, version=$4, status_changed_at=$5 WHERE id=$6 AND version < $4`,
		nullable(r.DriverID), string(r.Status), r.CancelReason, r.Version, r.StatusChangedAt, r.ID)
	return err
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	row := p.db.QueryRow(`SELECT id, rider_id, COALESCE(driver_id,''), pickup_lat, pickup_lon, pickup_address, dropoff_lat, dropoff_lon, dropoff_address, fare_estimate, eta_seconds, status, COALESCE(cancel_reason,''), version, created_at, status_changed_at FROM rides WHERE id=$1`, id)
	var r models.Ride
	var status string
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address, &r.FareEstimate, &r.ETASeconds,
		&status, &r.CancelReason, &r.Version, &r.CreatedAt, &r.StatusChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (p *PostgresStore) SaveOffer(o *models.Offer) error {
	_, err := p.db.Exec(`INSERT INTO offers(id, ride_id, driver_id, pickup_distance_m, eta_seconds, fare_estimate, outcome, reason, offered_at, deadline, resolved_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET outcome=EXCLUDED.outcome, reason=EXCLUDED.reason, resolved_at=EXCLUDED.resolved_at`,
		o.ID, o.RideID, o.DriverID, o.PickupDistanceM, o.ETASeconds, o.FareEstimate,
		string(o.Outcome), o.Reason, o.OfferedAt, o.Deadline, nullTime(o.ResolvedAt))
	return err
}

func (p *PostgresStore) AppendStatusChange(ch models.StatusChange) error {
	_, err := p.db.Exec(`INSERT INTO ride_status_history(ride_id, from_status, to_status, actor, reason, version, at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		ch.RideID, string(ch.From), string(ch.To), ch.Actor, ch.Reason, ch.Version, ch.At)
	return err
}

func (p *PostgresStore) StatusHistory(rideID string) ([]models.StatusChange, error) {
	rows, err := p.db.Query(`SELECT ride_id, from_status, to_status, actor, COALESCE(reason,''), version, at FROM ride_status_history WHERE ride_id=$1 ORDER BY version`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StatusChange
	for rows.Next() {
		var ch models.StatusChange
		var from, to string
		if err := rows.Scan(&ch.RideID, &from, &to, &ch.Actor, &ch.Reason, &ch.Version, &ch.At); err != nil {
			return nil, err
		}
		ch.From = models.RideStatus(from)
		ch.To = models.RideStatus(to)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
