// Package gormstore keeps credentials in Postgres through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/next-trace/blossom/internal/auth"
)

// Model is the credentials table row.
type Model struct {
	Subject      string    `gorm:"primaryKey;size:36"`
	Email        string    `gorm:"not null;uniqueIndex"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Model) TableName() string { return "credentials" }

type Store struct {
	db *gorm.DB
}

var _ auth.Store = (*Store)(nil)

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Create(ctx context.Context, r auth.Record) error {
	row := Model{Subject: r.Subject, Email: r.Email, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return auth.ErrConflict
		}

		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.Record, error) {
	var row Model

	err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.Record{}, auth.ErrNotFound
	}

	if err != nil {
		return auth.Record{}, fmt.Errorf("get credential: %w", err)
	}

	return auth.Record{
		Subject:      row.Subject,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}
