package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// GetOrCreateChat returns the chat between a and b, creating it if the pair
// has none yet. created reports whether this call inserted it.
func (db *DB) GetOrCreateChat(ctx context.Context, a, b string) (*models.Chat, bool, error) {
	key := pairKey(a, b)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	chatID := NewID()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, pair_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pair_key) DO NOTHING
	`, chatID, key, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create chat: %w", err)
	}

	created := false
	if n, _ := res.RowsAffected(); n == 1 {
		for _, userID := range []string{a, b} {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chat_members (chat_id, user_id)
				VALUES (?, ?)
			`, chatID, userID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to add member %s: %w", userID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		created = true
	} else {
		tx.Rollback()
	}

	chat, err := db.FindChatBetween(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

// FindChatBetween returns the chat whose members are exactly a and b.
func (db *DB) FindChatBetween(ctx context.Context, a, b string) (*models.Chat, error) {
	var id string
	err := db.QueryRowContext(ctx, "SELECT id FROM chats WHERE pair_key = ?", pairKey(a, b)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat between %s and %s: %w", a, b, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return db.GetChat(ctx, id)
}

// GetChat returns a chat with its members and populated last message.
func (db *DB) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var (
		chat   models.Chat
		lastID sql.NullString
	)
	err := db.QueryRowContext(ctx,
		"SELECT id, last_message_id, created_at FROM chats WHERE id = ?", id,
	).Scan(&chat.ID, &lastID, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	chat.LastMessageID = lastID.String

	members, err := db.chatMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	chat.Members = members

	if chat.LastMessageID != "" {
		msg, err := db.GetMessage(ctx, chat.LastMessageID)
		switch {
		case err == nil:
			chat.LastMessage = msg
		case errors.Is(err, ErrNotFound):
			// pointer is being repaired by a concurrent delete
		default:
			return nil, err
		}
	}

	return &chat, nil
}

func (db *DB) chatMembers(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id
		FROM chat_members
		WHERE chat_id = ?
		ORDER BY joined_at, user_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member ID: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

// ListChatSummaries returns the chats userID belongs to, each with the peer's
// public profile and the last message, most recently active first.
func (db *DB) ListChatSummaries(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, peer.id, peer.username, peer.image,
			m.seq, m.id, m.chat_id, m.text, m.images, m.created_at, m.edited_at,
			author.id, author.username, author.image
		FROM chats c
		JOIN chat_members me ON me.chat_id = c.id AND me.user_id = ?
		JOIN chat_members other ON other.chat_id = c.id AND other.user_id <> me.user_id
		JOIN users peer ON peer.id = other.user_id
		LEFT JOIN messages m ON m.id = c.last_message_id
		LEFT JOIN users author ON author.id = m.user_id
		ORDER BY COALESCE(m.seq, 0) DESC, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	summaries := []models.ChatSummary{}
	for rows.Next() {
		var (
			s                          models.ChatSummary
			seq                        sql.NullInt64
			msgID, msgChat, text, imgs sql.NullString
			createdAt, editedAt        sql.NullTime
			authorID, authorName       sql.NullString
			authorImage                sql.NullString
		)
		err := rows.Scan(&s.ID, &s.User.ID, &s.User.Username, &s.User.Image,
			&seq, &msgID, &msgChat, &text, &imgs, &createdAt, &editedAt,
			&authorID, &authorName, &authorImage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		if msgID.Valid {
			msg := &models.Message{
				Seq:       seq.Int64,
				ID:        msgID.String,
				ChatID:    msgChat.String,
				Text:      text.String,
				CreatedAt: createdAt.Time,
				User: models.PublicUser{
					ID:       authorID.String,
					Username: authorName.String,
					Image:    authorImage.String,
				},
			}
			if editedAt.Valid {
				t := editedAt.Time
				msg.EditedAt = &t
			}
			if msg.Images, err = decodeImages(imgs.String); err != nil {
				return nil, err
			}
			s.LastMessage = msg
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}
	return summaries, nil
}

// RefreshLastMessage recomputes the chat's last-message pointer from the
// messages currently stored and returns the message it now points to, or nil
// when the chat is empty. The pointer is rewritten in a single statement so a
// concurrent send or delete is never overwritten with a stale value.
func (db *DB) RefreshLastMessage(ctx context.Context, chatID string) (*models.Message, error) {
	for attempt := 0; attempt < 3; attempt++ {
		res, err := db.ExecContext(ctx, `
			UPDATE chats
			SET last_message_id = (
				SELECT id FROM messages
				WHERE chat_id = chats.id
				ORDER BY seq DESC
				LIMIT 1
			)
			WHERE id = ?
		`, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh last message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		var lastID sql.NullString
		err = db.QueryRowContext(ctx, "SELECT last_message_id FROM chats WHERE id = ?", chatID).Scan(&lastID)
		if err != nil {
			return nil, fmt.Errorf("failed to read last message: %w", err)
		}
		if !lastID.Valid {
			return nil, nil
		}

		msg, err := db.GetMessage(ctx, lastID.String)
		if errors.Is(err, ErrNotFound) {
			// deleted between the update and the read; recompute
			continue
		}
		return msg, err
	}
	return nil, fmt.Errorf("refresh last message of %s: too much contention", chatID)
}
