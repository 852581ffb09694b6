package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/vendor-tracking/internal/models"
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
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const selectVendor = `SELECT user_id, vendor_id, business_name, category, vendor_type,
	lat, lng, address, is_online, last_location_update, roaming_schedule, updated_at
	FROM vendors WHERE user_id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (VendorProfile, error) {
	var (
		p        VendorProfile
		lat, lng sql.NullFloat64
		address  sql.NullString
		lastLoc  sql.NullTime
		schedule []byte
	)
	err := row.Scan(&p.UserID, &p.VendorID, &p.BusinessName, &p.Category, &p.VendorType,
		&lat, &lng, &address, &p.IsOnline, &lastLoc, &schedule, &p.UpdatedAt)
	if err != nil {
		return VendorProfile{}, err
	}
	if lat.Valid && lng.Valid {
		p.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	p.Address = address.String
	if lastLoc.Valid {
		t := lastLoc.Time
		p.LastLocationUpdate = &t
	}
	if len(schedule) > 0 {
		var s models.RoamingSchedule
		if err := json.Unmarshal(schedule, &s); err != nil {
			return VendorProfile{}, fmt.Errorf("decode roaming schedule: %w", err)
		}
		p.Schedule = &s
	}
	return p, nil
}

func (p *PostgresStore) FindVendorByUser(ctx context.Context, userID string) (VendorProfile, error) {
	prof, err := scanProfile(p.db.QueryRowContext(ctx, selectVendor, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return VendorProfile{}, notFound(userID)
	}
	if err != nil {
		return VendorProfile{}, fmt.Errorf("find vendor for user %s: %w", userID, err)
	}
	return prof, nil
}

// UpdateVendorFields applies the non-nil fields in one statement; COALESCE keeps
// columns whose parameter is NULL.
func (p *PostgresStore) UpdateVendorFields(ctx context.Context, userID string, f VendorFields) (VendorProfile, error) {
	var lat, lng, address, online, lastLoc, schedule, vendorType any
	if f.Location != nil {
		lat, lng = f.Location.Lat, f.Location.Lng
	}
	if f.Address != nil {
		address = *f.Address
	}
	if f.IsOnline != nil {
		online = *f.IsOnline
	}
	if f.LastLocationUpdate != nil {
		lastLoc = *f.LastLocationUpdate
	}
	if f.Schedule != nil {
		b, err := json.Marshal(f.Schedule)
		if err != nil {
			return VendorProfile{}, err
		}
		schedule = string(b)
	}
	if f.VendorType != nil {
		vendorType = *f.VendorType
	}

	row := p.db.QueryRowContext(ctx, `UPDATE vendors SET
		lat = COALESCE($2, lat),
		lng = COALESCE($3, lng),
		address = COALESCE($4, address),
		is_online = COALESCE($5, is_online),
		last_location_update = COALESCE($6, last_location_update),
		roaming_schedule = COALESCE($7::jsonb, roaming_schedule),
		vendor_type = COALESCE($9, vendor_type),
		updated_at = $8
		WHERE user_id = $1
		RETURNING user_id, vendor_id, business_name, category, vendor_type,
		lat, lng, address, is_online, last_location_update, roaming_schedule, updated_at`,
		userID, lat, lng, address, online, lastLoc, schedule, time.Now().UTC(), vendorType)
	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return VendorProfile{}, notFound(userID)
	}
	if err != nil {
		return VendorProfile{}, fmt.Errorf("update vendor for user %s: %w", userID, err)
	}
	return prof, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
