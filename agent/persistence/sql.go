package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
)

// registrationRow is the agent_registrations table. The full registration
// is kept as JSON; tenant and status are copied out for ad-hoc queries.
type registrationRow struct {
	AgentID   string    `gorm:"column:agent_id;primaryKey;size:255"`
	Tenant    string    `gorm:"column:tenant;size:255;index:idx_agent_registrations_tenant"`
	Status    string    `gorm:"column:status;size:32"`
	Sequence  uint64    `gorm:"column:sequence"`
	Data      string    `gorm:"column:data;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (registrationRow) TableName() string { return "agent_registrations" }

// lifecycleRow is the agent_lifecycles table.
type lifecycleRow struct {
	AgentID   string    `gorm:"column:agent_id;primaryKey;size:255"`
	State     string    `gorm:"column:state;size:32;index:idx_agent_lifecycles_state"`
	Data      string    `gorm:"column:data;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (lifecycleRow) TableName() string { return "agent_lifecycles" }

// SQLStore persists registry state through GORM. Works with any dialect
// the caller opened (postgres, mysql, sqlite).
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an open connection. With autoMigrate the tables are
// created through GORM; otherwise the embedded migrations must have run.
func NewSQLStore(db *gorm.DB, autoMigrate bool) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: sql store requires a database connection", ErrInvalidInput)
	}
	if autoMigrate {
		if err := db.AutoMigrate(&registrationRow{}, &lifecycleRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate registry tables: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *SQLStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var upsertByAgentID = clause.OnConflict{
	Columns:   []clause.Column{{Name: "agent_id"}},
	UpdateAll: true,
}

// SaveRegistration implements discovery.Persistence.
func (s *SQLStore) SaveRegistration(ctx context.Context, reg *discovery.AgentRegistration) error {
	data, err := encodeRegistration(reg)
	if err != nil {
		return backendError("save_registration", "", err)
	}
	row := registrationRow{
		AgentID:   reg.AgentID,
		Tenant:    reg.Tenant,
		Status:    string(reg.Status),
		Sequence:  reg.Sequence,
		Data:      string(data),
		UpdatedAt: reg.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(upsertByAgentID).Create(&row).Error
	return backendError("save_registration", reg.AgentID, err)
}

// DeleteRegistration implements discovery.Persistence.
func (s *SQLStore) DeleteRegistration(ctx context.Context, agentID string) error {
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&registrationRow{}).Error
	return backendError("delete_registration", agentID, err)
}

// SaveLifecycle implements discovery.Persistence.
func (s *SQLStore) SaveLifecycle(ctx context.Context, lc *health.Lifecycle) error {
	data, err := encodeLifecycle(lc)
	if err != nil {
		return backendError("save_lifecycle", "", err)
	}
	row := lifecycleRow{
		AgentID:   lc.AgentID,
		State:     string(lc.State),
		Data:      string(data),
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(upsertByAgentID).Create(&row).Error
	return backendError("save_lifecycle", lc.AgentID, err)
}

// DeleteLifecycle implements discovery.Persistence.
func (s *SQLStore) DeleteLifecycle(ctx context.Context, agentID string) error {
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&lifecycleRow{}).Error
	return backendError("delete_lifecycle", agentID, err)
}

// LoadAll implements discovery.Persistence.
func (s *SQLStore) LoadAll(ctx context.Context) (*discovery.PersistedState, error) {
	var regRows []registrationRow
	if err := s.db.WithContext(ctx).Order("agent_id").Find(&regRows).Error; err != nil {
		return nil, backendError("load_all", "", err)
	}
	var lcRows []lifecycleRow
	if err := s.db.WithContext(ctx).Order("agent_id").Find(&lcRows).Error; err != nil {
		return nil, backendError("load_all", "", err)
	}

	state := &discovery.PersistedState{}
	var errs []error
	for _, row := range regRows {
		reg, err := decodeRegistration([]byte(row.Data))
		if err != nil {
			errs = append(errs, fmt.Errorf("registration %s: %w", row.AgentID, err))
			continue
		}
		state.Registrations = append(state.Registrations, reg)
	}
	for _, row := range lcRows {
		lc, err := decodeLifecycle([]byte(row.Data))
		if err != nil {
			errs = append(errs, fmt.Errorf("lifecycle %s: %w", row.AgentID, err))
			continue
		}
		state.Lifecycles = append(state.Lifecycles, lc)
	}
	if len(errs) > 0 {
		return state, backendError("load_all", "", errors.Join(errs...))
	}
	return state, nil
}

var _ Store = (*SQLStore)(nil)
