package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

const messageSelect = `
	SELECT m.seq, m.id, m.chat_id, m.text, m.images, m.created_at, m.edited_at,
		u.id, u.username, u.image
	FROM messages m
	JOIN users u ON u.id = m.user_id`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		msg      models.Message
		images   string
		editedAt sql.NullTime
	)
	err := row.Scan(&msg.Seq, &msg.ID, &msg.ChatID, &msg.Text, &images, &msg.CreatedAt, &editedAt,
		&msg.User.ID, &msg.User.Username, &msg.User.Image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	if msg.Images, err = decodeImages(images); err != nil {
		return nil, err
	}
	return &msg, nil
}

func decodeImages(raw string) ([]models.Image, error) {
	images := []models.Image{}
	if raw == "" {
		return images, nil
	}
	if err := json.Unmarshal([]byte(raw), &images); err != nil {
		return nil, fmt.Errorf("failed to decode images: %w", err)
	}
	return images, nil
}

// CreateMessage stores a new message authored by userID in chatID.
func (db *DB) CreateMessage(ctx context.Context, chatID, userID, text string) (*models.Message, error) {
	id := NewID()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, user_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, chatID, userID, text, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return db.GetMessage(ctx, id)
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(db.QueryRowContext(ctx, messageSelect+" WHERE m.id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessages returns a chat's messages in chronological order. With a
// positive limit it returns at most limit messages older than before (or the
// newest ones when before is empty) and reports whether older ones remain.
// A before id that is not a message of chatID yields ErrNotFound.
func (db *DB) ListMessages(ctx context.Context, chatID, before string, limit int) ([]models.Message, bool, error) {
	query := messageSelect + " WHERE m.chat_id = ?"
	args := []any{chatID}
	if before != "" {
		var cursor int64
		err := db.QueryRowContext(ctx,
			"SELECT seq FROM messages WHERE id = ? AND chat_id = ?", before, chatID,
		).Scan(&cursor)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, fmt.Errorf("cursor %s in chat %s: %w", before, chatID, ErrNotFound)
			}
			return nil, false, fmt.Errorf("failed to resolve cursor: %w", err)
		}
		query += " AND m.seq < ?"
		args = append(args, cursor)
	}
	if limit > 0 {
		query += " ORDER BY m.seq DESC LIMIT ?"
		args = append(args, limit+1)
	} else {
		query += " ORDER BY m.seq ASC"
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating messages: %w", err)
	}

	if limit <= 0 {
		return messages, false, nil
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

// UpdateMessage replaces the text when text is non-nil and keeps only the
// images listed in keep when keep is non-nil. It returns the updated message
// and the images that were dropped.
func (db *DB) UpdateMessage(ctx context.Context, id string, text *string, keep []string) (*models.Message, []models.Image, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT images FROM messages WHERE id = ?", id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("update message %s: %w", id, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to read message: %w", err)
	}
	current, err := decodeImages(raw)
	if err != nil {
		return nil, nil, err
	}

	kept, removed := current, []models.Image(nil)
	if keep != nil {
		wanted := make(map[string]bool, len(keep))
		for _, imageID := range keep {
			wanted[imageID] = true
		}
		kept = []models.Image{}
		for _, img := range current {
			if wanted[img.ID] {
				kept = append(kept, img)
			} else {
				removed = append(removed, img)
			}
		}
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode images: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET text = COALESCE(?, text), images = ?, edited_at = ?
		WHERE id = ?
	`, text, string(encoded), time.Now().UTC(), id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	msg, err := db.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return msg, removed, nil
}

// AppendMessageImage adds img to the end of the message's image list.
func (db *DB) AppendMessageImage(ctx context.Context, id string, img models.Image) (*models.Message, error) {
	encoded, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	res, err := db.ExecContext(ctx,
		"UPDATE messages SET images = json_insert(images, '$[#]', json(?)) WHERE id = ?",
		string(encoded), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("append image to %s: %w", id, ErrNotFound)
	}
	return db.GetMessage(ctx, id)
}

// DeleteMessage removes a message and returns it as it was at deletion time.
func (db *DB) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, messageSelect+" WHERE m.id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("delete message %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return msg, nil
}
