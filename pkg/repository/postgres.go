package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

//go:embed schema.sql
var schema string

const (
	hotelColumns   = `id, name, timezone`
	guestColumns   = `id, hotel_id, name, phone, room_number, language, check_in, check_out`
	triggerColumns = `id, hotel_id, name, kind, schedule, event_name, delay_seconds, conditions, template, priority, active, timezone`
)

// PostgresRepository reads records with sqlx over lib/pq
type PostgresRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

func Connect(ctx context.Context, databaseURL string, logger *logrus.Logger) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("Connected to Postgres")
	return NewPostgresRepository(db, logger), nil
}

func NewPostgresRepository(db *sqlx.DB, logger *logrus.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) ListHotels(ctx context.Context) ([]models.Hotel, error) {
	var hotels []models.Hotel
	if err := r.db.SelectContext(ctx, &hotels, `SELECT `+hotelColumns+` FROM hotels ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list hotels: %w", err)
	}
	return hotels, nil
}

func (r *PostgresRepository) GetHotel(ctx context.Context, hotelID string) (*models.Hotel, error) {
	var hotel models.Hotel
	err := r.db.GetContext(ctx, &hotel, `SELECT `+hotelColumns+` FROM hotels WHERE id = $1`, hotelID)
	if err != nil {
		return nil, notFound(err, "hotel", hotelID)
	}
	return &hotel, nil
}

func (r *PostgresRepository) GetGuest(ctx context.Context, hotelID, guestID string) (*models.Guest, error) {
	var guest models.Guest
	err := r.db.GetContext(ctx, &guest, `SELECT `+guestColumns+` FROM guests WHERE hotel_id = $1 AND id = $2`, hotelID, guestID)
	if err != nil {
		return nil, notFound(err, "guest", guestID)
	}
	return &guest, nil
}

func (r *PostgresRepository) ListInHouseGuests(ctx context.Context, hotelID string, at time.Time) ([]models.Guest, error) {
	var guests []models.Guest
	err := r.db.SelectContext(ctx, &guests, `SELECT `+guestColumns+` FROM guests
		WHERE hotel_id = $1 AND check_in <= $2 AND (check_out IS NULL OR check_out > $2)
		ORDER BY id`, hotelID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-house guests: %w", err)
	}
	return guests, nil
}

// triggerRow is the storage shape of a definition; schedule and conditions are JSON.
type triggerRow struct {
	ID           int64          `db:"id"`
	HotelID      string         `db:"hotel_id"`
	Name         string         `db:"name"`
	Kind         string         `db:"kind"`
	Schedule     sql.NullString `db:"schedule"`
	EventName    string         `db:"event_name"`
	DelaySeconds int64          `db:"delay_seconds"`
	Conditions   sql.NullString `db:"conditions"`
	Template     string         `db:"template"`
	Priority     int            `db:"priority"`
	Active       bool           `db:"active"`
	Timezone     string         `db:"timezone"`
}

func (row triggerRow) toModel() (models.TriggerDefinition, error) {
	def := models.TriggerDefinition{
		ID:        row.ID,
		HotelID:   row.HotelID,
		Name:      row.Name,
		Kind:      models.TriggerKind(row.Kind),
		EventName: row.EventName,
		Delay:     time.Duration(row.DelaySeconds) * time.Second,
		Template:  row.Template,
		Priority:  row.Priority,
		Active:    row.Active,
		Timezone:  row.Timezone,
	}
	if row.Schedule.Valid && row.Schedule.String != "" {
		var schedule models.Schedule
		if err := json.Unmarshal([]byte(row.Schedule.String), &schedule); err != nil {
			return def, fmt.Errorf("trigger %d: invalid schedule: %w", row.ID, err)
		}
		def.Schedule = &schedule
	}
	if row.Conditions.Valid && row.Conditions.String != "" {
		if err := json.Unmarshal([]byte(row.Conditions.String), &def.Conditions); err != nil {
			return def, fmt.Errorf("trigger %d: invalid conditions: %w", row.ID, err)
		}
	}
	return def, def.Validate()
}

func (r *PostgresRepository) ListActiveTriggers(ctx context.Context, hotelID string) ([]models.TriggerDefinition, error) {
	var rows []triggerRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+triggerColumns+` FROM trigger_definitions
		WHERE hotel_id = $1 AND active ORDER BY priority DESC, id ASC`, hotelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	defs := make([]models.TriggerDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := row.toModel()
		if err != nil {
			// One bad definition must not disable the others.
			r.logger.WithError(err).WithField("trigger_id", row.ID).Warn("Skipping invalid trigger definition")
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r *PostgresRepository) GetTrigger(ctx context.Context, id int64) (*models.TriggerDefinition, error) {
	var row triggerRow
	err := r.db.GetContext(ctx, &row, `SELECT `+triggerColumns+` FROM trigger_definitions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "trigger", fmt.Sprint(id))
	}
	def, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}
