// Package gormstore keeps users in Postgres through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	contract "github.com/next-trace/blossom/contract/users"
	"github.com/next-trace/blossom/internal/users"
)

// Model is the users table row.
type Model struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"not null"`
	Email     string    `gorm:"not null;uniqueIndex"`
	Password  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Model) TableName() string { return "users" }

func fromUser(u contract.User) Model {
	return Model{ID: u.ID, Name: u.Name, Email: u.Email, Password: u.Password, CreatedAt: u.CreatedAt}
}

func (m Model) toUser() contract.User {
	return contract.User{ID: m.ID, Name: m.Name, Email: m.Email, Password: m.Password, CreatedAt: m.CreatedAt.UTC()}
}

type Store struct {
	db *gorm.DB
}

var _ users.Store = (*Store)(nil)

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Create(ctx context.Context, u *contract.User) error {
	row := fromUser(*u)
	row.ID = 0

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return users.ErrConflict
		}

		return fmt.Errorf("insert user: %w", err)
	}

	u.ID = row.ID

	return nil
}

func (s *Store) FindAll(ctx context.Context) ([]contract.User, error) {
	var rows []Model
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	out := make([]contract.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toUser())
	}

	return out, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (contract.User, error) {
	var row Model

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contract.User{}, users.ErrNotFound
	}

	if err != nil {
		return contract.User{}, fmt.Errorf("get user %d: %w", id, err)
	}

	return row.toUser(), nil
}

func (s *Store) Save(ctx context.Context, u *contract.User) error {
	res := s.db.WithContext(ctx).Model(&Model{}).Where("id = ?", u.ID).Updates(map[string]any{
		"name":     u.Name,
		"email":    u.Email,
		"password": u.Password,
	})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return users.ErrConflict
		}

		return fmt.Errorf("update user %d: %w", u.ID, res.Error)
	}

	if res.RowsAffected == 0 {
		return users.ErrNotFound
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) (contract.User, error) {
	var row Model

	res := s.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id = ?", id).Delete(&row)
	if res.Error != nil {
		return contract.User{}, fmt.Errorf("delete user %d: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		return contract.User{}, users.ErrNotFound
	}

	return row.toUser(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
