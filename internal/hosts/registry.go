// Package hosts is the sqlite-backed Host Registry: endpoint lookups and the
// status write-back the connection manager performs on connect and disconnect.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
)

var validate = validator.New()

type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Endpoint returns the endpoint with the given id.
func (r *Registry) Endpoint(ctx context.Context, id uint) (*database.Endpoint, error) {
	var ep database.Endpoint
	if err := r.db.WithContext(ctx).First(&ep, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Errorf(apperr.KindNotFound, "endpoint %d not found", id)
		}
		return nil, fmt.Errorf("load endpoint %d: %w", id, err)
	}
	return &ep, nil
}

// UpdateStatus records a status change. A transition to connected also bumps
// the connection counter and last_connected_at.
func (r *Registry) UpdateStatus(ctx context.Context, id uint, status string, at time.Time) error {
	updates := map[string]any{"status": status}
	if status == database.EndpointConnected {
		updates["last_connected_at"] = at
		updates["connection_count"] = gorm.Expr("connection_count + 1")
	}
	res := r.db.WithContext(ctx).Model(&database.Endpoint{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update endpoint %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Errorf(apperr.KindNotFound, "endpoint %d not found", id)
	}
	return nil
}

// Create validates and inserts a new endpoint.
func (r *Registry) Create(ctx context.Context, ep *database.Endpoint) error {
	if ep.Port == 0 {
		ep.Port = 22
	}
	if err := validate.Struct(ep); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid endpoint")
	}
	ep.Status = database.EndpointDisconnected
	if err := r.db.WithContext(ctx).Create(ep).Error; err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

// List returns all endpoints, optionally restricted to a group.
func (r *Registry) List(ctx context.Context, group string) ([]database.Endpoint, error) {
	tx := r.db.WithContext(ctx).Order("name")
	if group != "" {
		tx = tx.Where("group_name = ?", group)
	}
	var eps []database.Endpoint
	if err := tx.Find(&eps).Error; err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return eps, nil
}
