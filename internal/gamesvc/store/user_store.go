package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stoneplay/stone-services/internal/gamesvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserStore struct {
	db *pgxpool.Pool
}

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

func (r *UserStore) CreateUser(ctx context.Context, user models.User) (int64, error) {
	var userId int64

	query := `
        INSERT INTO users (user_id, name, email, phone, avatar, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING user_id;
    `

	err := r.db.QueryRow(ctx, query, user.UserId, user.Name, user.Email, user.Phone, user.Avatar, user.Status).Scan(&userId)
	if err != nil {
		return 0, fmt.Errorf("could not create user: %w", err)
	}

	return userId, nil
}

func (r *UserStore) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRow(ctx, `
        SELECT user_id, name, email, phone, avatar, status, created_at, updated_at
        FROM users
        WHERE user_id = $1
    `, id)

	u := &models.User{}
	err := row.Scan(
		&u.UserId,
		&u.Name,
		&u.Email,
		&u.Phone,
		&u.Avatar,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return u, nil
}

func (r *UserStore) UpdateProfile(ctx context.Context, user models.User) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE users
        SET name = $2, email = $3, phone = $4, avatar = $5, updated_at = now()
        WHERE user_id = $1
    `, user.UserId, user.Name, user.Email, user.Phone, user.Avatar)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", user.UserId)
	}
	return nil
}
