// Package store persists cameras, zones, locations, ROIs and notification actions
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/SpatialCount/internal/database"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Camera is a configured video source
type Camera struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	RTSPURL   string    `json:"rtspUrl"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Zone groups cameras
type Zone struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	CameraIDs []int64 `json:"cameraIds"`
}

// Location groups zones
type Location struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	ZoneIDs []int64 `json:"zoneIds"`
}

// Store is the sqlite backed configuration store
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// New creates a store on an opened and migrated database
func New(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Cameras returns every camera ordered by id
func (s *Store) Cameras(ctx context.Context) ([]Camera, error) {
	return s.queryCameras(ctx, "SELECT id, name, rtsp_url, enabled, updated_at FROM cameras ORDER BY id")
}

// EnabledCameras returns the cameras that should get a pipeline
func (s *Store) EnabledCameras(ctx context.Context) ([]Camera, error) {
	return s.queryCameras(ctx, "SELECT id, name, rtsp_url, enabled, updated_at FROM cameras WHERE enabled = 1 ORDER BY id")
}

func (s *Store) queryCameras(ctx context.Context, query string, args ...any) ([]Camera, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []Camera
	for rows.Next() {
		var cam Camera
		var enabled int
		var updatedAt int64
		if err := rows.Scan(&cam.ID, &cam.Name, &cam.RTSPURL, &enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cam.Enabled = enabled == 1
		cam.UpdatedAt = time.Unix(updatedAt, 0)
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// Camera returns one camera
func (s *Store) Camera(ctx context.Context, id int64) (*Camera, error) {
	cameras, err := s.queryCameras(ctx, "SELECT id, name, rtsp_url, enabled, updated_at FROM cameras WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(cameras) == 0 {
		return nil, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return &cameras[0], nil
}

// CreateCamera inserts cam and sets its id
func (s *Store) CreateCamera(ctx context.Context, cam *Camera) error {
	cam.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO cameras (name, rtsp_url, enabled, updated_at) VALUES (?, ?, ?, ?)",
		cam.Name, cam.RTSPURL, boolInt(cam.Enabled), cam.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create camera: %w", err)
	}
	cam.ID, err = result.LastInsertId()
	if err != nil {
		return err
	}

	s.logger.Info("Camera created", "id", cam.ID, "name", cam.Name)
	return nil
}

// SetCameraEnabled toggles whether a camera gets a pipeline on the next start
func (s *Store) SetCameraEnabled(ctx context.Context, id int64, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE cameras SET enabled = ?, updated_at = ? WHERE id = ?",
		boolInt(enabled), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update camera: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return nil
}

// Zones returns every zone with its member camera ids
func (s *Store) Zones(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT z.id, z.name, zc.camera_id
		FROM zones z
		LEFT JOIN zone_cameras zc ON zc.zone_id = z.id
		ORDER BY z.id, zc.camera_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var id int64
		var name string
		var cameraID sql.NullInt64
		if err := rows.Scan(&id, &name, &cameraID); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if len(zones) == 0 || zones[len(zones)-1].ID != id {
			zones = append(zones, Zone{ID: id, Name: name, CameraIDs: []int64{}})
		}
		if cameraID.Valid {
			z := &zones[len(zones)-1]
			z.CameraIDs = append(z.CameraIDs, cameraID.Int64)
		}
	}
	return zones, rows.Err()
}

// CreateZone inserts a zone and its camera memberships
func (s *Store) CreateZone(ctx context.Context, zone *Zone) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "INSERT INTO zones (name) VALUES (?)", zone.Name)
		if err != nil {
			return fmt.Errorf("failed to create zone: %w", err)
		}
		if zone.ID, err = result.LastInsertId(); err != nil {
			return err
		}
		for _, camID := range zone.CameraIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO zone_cameras (zone_id, camera_id) VALUES (?, ?)", zone.ID, camID,
			); err != nil {
				return fmt.Errorf("failed to add camera %d to zone: %w", camID, err)
			}
		}
		return nil
	})
}

// Locations returns every location with its member zone ids
func (s *Store) Locations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.name, lz.zone_id
		FROM locations l
		LEFT JOIN location_zones lz ON lz.location_id = l.id
		ORDER BY l.id, lz.zone_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var id int64
		var name string
		var zoneID sql.NullInt64
		if err := rows.Scan(&id, &name, &zoneID); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		if len(locations) == 0 || locations[len(locations)-1].ID != id {
			locations = append(locations, Location{ID: id, Name: name, ZoneIDs: []int64{}})
		}
		if zoneID.Valid {
			l := &locations[len(locations)-1]
			l.ZoneIDs = append(l.ZoneIDs, zoneID.Int64)
		}
	}
	return locations, rows.Err()
}

// CreateLocation inserts a location and its zone memberships
func (s *Store) CreateLocation(ctx context.Context, loc *Location) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "INSERT INTO locations (name) VALUES (?)", loc.Name)
		if err != nil {
			return fmt.Errorf("failed to create location: %w", err)
		}
		if loc.ID, err = result.LastInsertId(); err != nil {
			return err
		}
		for _, zoneID := range loc.ZoneIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO location_zones (location_id, zone_id) VALUES (?, ?)", loc.ID, zoneID,
			); err != nil {
				return fmt.Errorf("failed to add zone %d to location: %w", zoneID, err)
			}
		}
		return nil
	})
}

// Roi returns the stored polygon for a camera, or nil when none is saved
func (s *Store) Roi(ctx context.Context, cameraID int64) (roi.Polygon, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT roi_data FROM camera_rois WHERE camera_id = ?", cameraID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load roi: %w", err)
	}

	var poly roi.Polygon
	if err := json.Unmarshal([]byte(data), &poly); err != nil {
		return nil, fmt.Errorf("failed to decode roi for camera %d: %w", cameraID, err)
	}
	return poly, nil
}

// SaveRoi replaces the stored polygon for a camera
func (s *Store) SaveRoi(ctx context.Context, cameraID int64, poly roi.Polygon) error {
	if poly == nil {
		poly = roi.Polygon{}
	}
	data, err := json.Marshal(poly)
	if err != nil {
		return fmt.Errorf("failed to marshal roi: %w", err)
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM cameras WHERE id = ?", cameraID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("camera %d: %w", cameraID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO camera_rois (camera_id, roi_data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(camera_id) DO UPDATE SET roi_data = excluded.roi_data, updated_at = excluded.updated_at
		`, cameraID, string(data), time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to save roi: %w", err)
		}
		return nil
	})
}
