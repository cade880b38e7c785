// Package postgres is a relational TokenStore for deployments that keep
// device registrations next to the rest of their user data.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// deviceTokenRow is the device_tokens table.
type deviceTokenRow struct {
	ID         uint      `gorm:"primaryKey"`
	Token      string    `gorm:"uniqueIndex;not null"`
	UserID     string    `gorm:"index;not null"`
	DeviceType string    `gorm:"size:16;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (deviceTokenRow) TableName() string {
	return "device_tokens"
}

type Store struct {
	db *gorm.DB
}

var _ dispatch.TokenRegistry = (*Store)(nil)

// Open connects with the given DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&deviceTokenRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate device_tokens: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) ListTokensForUser(ctx context.Context, userID string) ([]dispatch.DeviceToken, error) {
	var rows []deviceTokenRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	tokens := make([]dispatch.DeviceToken, len(rows))
	for i, r := range rows {
		tokens[i] = dispatch.DeviceToken{Token: r.Token, UserID: r.UserID, DeviceType: dispatch.DeviceType(r.DeviceType)}
	}
	return tokens, nil
}

func (s *Store) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("token IN ?", tokens).Delete(&deviceTokenRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// RegisterToken upserts on the token; an existing row changes owner.
func (s *Store) RegisterToken(ctx context.Context, token dispatch.DeviceToken) error {
	if token.Token == "" || token.UserID == "" {
		return errors.New("token and user id are required")
	}
	if !token.DeviceType.Valid() {
		return fmt.Errorf("unknown device type %q", token.DeviceType)
	}

	row := deviceTokenRow{Token: token.Token, UserID: token.UserID, DeviceType: string(token.DeviceType)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "device_type", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
