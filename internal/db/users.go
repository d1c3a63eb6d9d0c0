package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"
)

const userColumns = `id, username, email, password, image, last_chat_id, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		user     models.User
		lastChat sql.NullString
	)
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.Image, &lastChat, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.LastChatID = lastChat.String
	return &user, nil
}

// CreateUser inserts a user. A taken username or email yields a *DuplicateError.
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:        NewID(),
		Username:  username,
		Email:     strings.ToLower(email),
		Password:  passwordHash,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Email, user.Password, user.CreatedAt,
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return nil, &DuplicateError{Field: field}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// ListUsers returns every user except excludeID, optionally filtered by a
// case-insensitive username search.
func (db *DB) ListUsers(ctx context.Context, excludeID, search string) ([]models.PublicUser, error) {
	query := `
		SELECT id, username, image
		FROM users
		WHERE id <> ?`
	args := []any{excludeID}
	if search != "" {
		query += ` AND username LIKE ? COLLATE NOCASE`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY username COLLATE NOCASE LIMIT 100`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []models.PublicUser{}
	for rows.Next() {
		var u models.PublicUser
		if err := rows.Scan(&u.ID, &u.Username, &u.Image); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// SetLastChat records the chat a user most recently opened.
func (db *DB) SetLastChat(ctx context.Context, userID, chatID string) error {
	res, err := db.ExecContext(ctx, "UPDATE users SET last_chat_id = ? WHERE id = ?", chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to set last chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set last chat for %s: %w", userID, ErrNotFound)
	}
	return nil
}
