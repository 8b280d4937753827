package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Protocols accepted for notification actions
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// ErrInvalidAction is returned when an action fails validation
var ErrInvalidAction = errors.New("invalid action")

// Action is an external notification rule: push the aggregated counts to
// IPAddress:Port every IntervalMs over Protocol.
type Action struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	IPAddress  string    `json:"ipAddress"`
	Port       int       `json:"port"`
	IntervalMs int64     `json:"intervalMs"`
	Protocol   string    `json:"protocol"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Interval returns the send interval
func (a Action) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

// Validate checks the fields the dispatcher depends on
func (a Action) Validate() error {
	switch {
	case a.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidAction)
	case a.IPAddress == "":
		return fmt.Errorf("%w: ip address is required", ErrInvalidAction)
	case a.Port < 1 || a.Port > 65535:
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidAction)
	case a.IntervalMs < 100:
		return fmt.Errorf("%w: interval must be at least 100ms", ErrInvalidAction)
	case a.Protocol != ProtocolTCP && a.Protocol != ProtocolUDP:
		return fmt.Errorf("%w: protocol must be tcp or udp", ErrInvalidAction)
	}
	return nil
}

const actionColumns = "id, name, ip_address, port, interval_ms, protocol, enabled, updated_at"

// Actions returns every notification action
func (s *Store) Actions(ctx context.Context) ([]Action, error) {
	return s.queryActions(ctx, "SELECT "+actionColumns+" FROM actions ORDER BY id")
}

// EnabledActions returns the actions the dispatcher should schedule
func (s *Store) EnabledActions(ctx context.Context) ([]Action, error) {
	return s.queryActions(ctx, "SELECT "+actionColumns+" FROM actions WHERE enabled = 1 ORDER BY id")
}

// Action returns one action
func (s *Store) Action(ctx context.Context, id int64) (*Action, error) {
	actions, err := s.queryActions(ctx, "SELECT "+actionColumns+" FROM actions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	return &actions[0], nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	actions := []Action{}
	for rows.Next() {
		var a Action
		var enabled int
		var updatedAt int64
		if err := rows.Scan(&a.ID, &a.Name, &a.IPAddress, &a.Port, &a.IntervalMs, &a.Protocol, &enabled, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Enabled = enabled == 1
		a.UpdatedAt = time.Unix(updatedAt, 0)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CreateAction validates and inserts a, setting its id
func (s *Store) CreateAction(ctx context.Context, a *Action) error {
	if err := a.Validate(); err != nil {
		return err
	}

	a.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (name, ip_address, port, interval_ms, protocol, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Name, a.IPAddress, a.Port, a.IntervalMs, a.Protocol, boolInt(a.Enabled), a.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	if a.ID, err = result.LastInsertId(); err != nil {
		return err
	}

	s.logger.Info("Action created", "id", a.ID, "name", a.Name, "protocol", a.Protocol)
	return nil
}

// UpdateAction replaces every field of an existing action
func (s *Store) UpdateAction(ctx context.Context, a *Action) error {
	if err := a.Validate(); err != nil {
		return err
	}

	a.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE actions SET
			name = ?, ip_address = ?, port = ?, interval_ms = ?, protocol = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, a.IPAddress, a.Port, a.IntervalMs, a.Protocol, boolInt(a.Enabled), a.UpdatedAt.Unix(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("action %d: %w", a.ID, ErrNotFound)
	}

	s.logger.Info("Action updated", "id", a.ID)
	return nil
}

// DeleteAction removes an action
func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("action %d: %w", id, ErrNotFound)
	}

	s.logger.Info("Action deleted", "id", id)
	return nil
}
