// Package chat applies live chat events: it authorises them, persists their
// effects, keeps each chat's last-message pointer current and tells the
// router which rooms to notify.
package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/apperr"
	"chatrelay/internal/blob"
	"chatrelay/internal/db"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// Store is the persistence the coordinator needs. *db.DB satisfies it.
type Store interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	CreateMessage(ctx context.Context, chatID, userID, text string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, id string, text *string, keep []string) (*models.Message, []models.Image, error)
	AppendMessageImage(ctx context.Context, id string, img models.Image) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) (*models.Message, error)
	RefreshLastMessage(ctx context.Context, chatID string) (*models.Message, error)
	SetLastChat(ctx context.Context, userID, chatID string) error
}

// Router delivers events to rooms of live connections. *websocket.Hub
// satisfies it.
type Router interface {
	Join(connID, room string)
	Leave(connID, room string)
	Deliver(rooms []string, event string, payload any, exclude string)
}

type Config struct {
	UploadTimeout     time.Duration
	UploadConcurrency int
	MaxImageBytes     int
	PublicURL         string
}

type Coordinator struct {
	store  Store
	router Router
	blobs  blob.Store
	cfg    Config
	logger zerolog.Logger

	// background uploads, blob deletions and last-chat writes
	wg sync.WaitGroup
}

func NewCoordinator(store Store, router Router, blobs blob.Store, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 2
	}
	return &Coordinator{
		store:  store,
		router: router,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger.With().Str("component", "chat").Logger(),
	}
}

// Wait blocks until all background work started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Dispatch decodes a frame and handles it.
func (c *Coordinator) Dispatch(ctx context.Context, s models.Session, frame models.InboundFrame) models.Ack {
	var ack models.Ack
	event := "invalid"
	if cmd, err := Decode(frame); err != nil {
		ack = c.errorAck(s, frame.Event, err)
	} else {
		event = cmd.Event()
		ack = c.Handle(ctx, s, cmd)
	}
	metrics.Events.WithLabelValues(event, strconv.Itoa(ack.Status)).Inc()
	return ack
}

// Handle runs one command to completion and returns the sender's acknowledgment.
func (c *Coordinator) Handle(ctx context.Context, s models.Session, cmd Command) models.Ack {
	var (
		status int
		msg    *models.Message
		err    error
	)

	switch cmd := cmd.(type) {
	case Join:
		status, err = c.join(ctx, s, cmd)
	case Leave:
		status = c.leave(s, cmd)
	case Send:
		status, msg, err = c.send(ctx, s, cmd)
	case Edit:
		status, msg, err = c.edit(ctx, s, cmd)
	case Delete:
		status, msg, err = c.delete(ctx, s, cmd)
	default:
		err = apperr.Validation(map[string]string{"event": "unknown event"})
	}

	if err != nil {
		event := "unknown"
		if cmd != nil {
			event = cmd.Event()
		}
		return c.errorAck(s, event, err)
	}
	return models.Ack{Status: status, StatusText: http.StatusText(status), Message: msg}
}

func (c *Coordinator) errorAck(s models.Session, event string, err error) models.Ack {
	e := apperr.From(err)
	if !e.Kind.Public() {
		c.logger.Error().Err(err).
			Str("event", event).
			Str("user", s.UserID).
			Str("conn", s.ConnID).
			Msg("event failed")
	}

	fields := e.Fields
	if len(fields) == 0 || !e.Kind.Public() {
		fields = map[string]string{"message": e.Message}
	}

	status := e.Kind.Status()
	return models.Ack{Status: status, StatusText: http.StatusText(status), Errors: fields}
}

// storeError maps a persistence failure onto the error taxonomy.
func storeError(err error, what string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return apperr.Dependency(err)
}

// memberChat loads chatID and checks that userID belongs to it.
func (c *Coordinator) memberChat(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, storeError(err, "chat")
	}
	if !chat.HasMember(userID) {
		return nil, apperr.Forbidden("not a member of this chat")
	}
	return chat, nil
}

// authoredMessage loads messageID and checks it lives in chatID and was written by userID.
func (c *Coordinator) authoredMessage(ctx context.Context, chatID, messageID, userID string) (*models.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeError(err, "message")
	}
	if msg.ChatID != chatID {
		return nil, apperr.Validation(map[string]string{"id": "message does not belong to this chat"})
	}
	if msg.User.ID != userID {
		return nil, apperr.Forbidden("only the author can change this message")
	}
	return msg, nil
}

func personalRooms(chat *models.Chat) []string {
	return append([]string(nil), chat.Members...)
}

func (c *Coordinator) announceLast(chat *models.Chat, last *models.Message) {
	c.router.Deliver(personalRooms(chat), "lastMessage", models.ChatSummaryEvent{
		ChatID:      chat.ID,
		LastMessage: last,
	}, "")
}

// refreshLast recomputes the chat's pointer. A failure is logged and reported
// as ok=false; the primary write has already happened.
func (c *Coordinator) refreshLast(ctx context.Context, chatID string) (*models.Message, bool) {
	last, err := c.store.RefreshLastMessage(ctx, chatID)
	if err != nil {
		c.logger.Error().Err(err).Str("chat", chatID).Msg("failed to refresh last message")
		return nil, false
	}
	return last, true
}

func (c *Coordinator) join(ctx context.Context, s models.Session, cmd Join) (int, error) {
	if !db.ValidID(cmd.ChatID) {
		return 0, apperr.InvalidIdentifier("room")
	}
	if _, err := c.memberChat(ctx, cmd.ChatID, s.UserID); err != nil {
		return 0, err
	}

	c.router.Join(s.ConnID, cmd.ChatID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.store.SetLastChat(bg, s.UserID, cmd.ChatID); err != nil {
			c.logger.Warn().Err(err).Str("user", s.UserID).Str("chat", cmd.ChatID).Msg("failed to record last chat")
		}
	}()

	return http.StatusOK, nil
}

func (c *Coordinator) leave(s models.Session, cmd Leave) int {
	c.router.Leave(s.ConnID, cmd.ChatID)
	return http.StatusOK
}

func (c *Coordinator) send(ctx context.Context, s models.Session, cmd Send) (int, *models.Message, error) {
	if !db.ValidID(cmd.ChatID) {
		return 0, nil, apperr.InvalidIdentifier("room")
	}
	fields := map[string]string{}
	text := ValidateText(fields, "text", cmd.Text)
	validateUploads(fields, "images", cmd.Images, c.cfg.MaxImageBytes)
	if len(fields) > 0 {
		return 0, nil, apperr.Validation(fields)
	}

	chat, err := c.memberChat(ctx, cmd.ChatID, s.UserID)
	if err != nil {
		return 0, nil, err
	}

	msg, err := c.store.CreateMessage(ctx, chat.ID, s.UserID, text)
	if err != nil {
		return 0, nil, storeError(err, "chat")
	}
	msg.PendingImages = len(cmd.Images)

	last, ok := c.refreshLast(ctx, chat.ID)
	if !ok {
		last = msg
	}

	c.router.Deliver([]string{chat.ID}, "message", msg, s.ConnID)
	c.announceLast(chat, last)
	c.uploadImages(ctx, chat.ID, msg.ID, cmd.Images)

	return http.StatusCreated, msg, nil
}

func (c *Coordinator) edit(ctx context.Context, s models.Session, cmd Edit) (int, *models.Message, error) {
	if !db.ValidID(cmd.ChatID) {
		return 0, nil, apperr.InvalidIdentifier("room")
	}
	if !db.ValidID(cmd.MessageID) {
		return 0, nil, apperr.InvalidIdentifier("id")
	}

	fields := map[string]string{}
	var text *string
	if cmd.Text != nil {
		trimmed := ValidateText(fields, "text", *cmd.Text)
		text = &trimmed
	}
	validateIDs(fields, "images", cmd.Keep)
	validateUploads(fields, "imageFiles", cmd.Files, c.cfg.MaxImageBytes)
	if cmd.Text == nil && cmd.Keep == nil && len(cmd.Files) == 0 {
		fields["text"] = "nothing to edit"
	}
	if len(fields) > 0 {
		return 0, nil, apperr.Validation(fields)
	}

	chat, err := c.memberChat(ctx, cmd.ChatID, s.UserID)
	if err != nil {
		return 0, nil, err
	}
	prior, err := c.authoredMessage(ctx, chat.ID, cmd.MessageID, s.UserID)
	if err != nil {
		return 0, nil, err
	}
	if keptCount(prior, cmd.Keep)+len(cmd.Files) > MaxImages {
		return 0, nil, apperr.Validation(map[string]string{"imageFiles": "too many images"})
	}

	updated, removed, err := c.store.UpdateMessage(ctx, prior.ID, text, cmd.Keep)
	if err != nil {
		return 0, nil, storeError(err, "message")
	}
	updated.PendingImages = len(cmd.Files)

	c.deleteBlobs(ctx, removed)
	c.router.Deliver([]string{chat.ID}, "edit", updated, s.ConnID)

	if current, err := c.store.GetChat(ctx, chat.ID); err != nil {
		c.logger.Error().Err(err).Str("chat", chat.ID).Msg("failed to reload chat after edit")
	} else if current.LastMessageID == updated.ID {
		c.announceLast(current, updated)
	}

	c.uploadImages(ctx, chat.ID, updated.ID, cmd.Files)

	return http.StatusOK, updated, nil
}

func keptCount(msg *models.Message, keep []string) int {
	if keep == nil {
		return len(msg.Images)
	}
	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}
	n := 0
	for _, img := range msg.Images {
		if wanted[img.ID] {
			n++
		}
	}
	return n
}

func (c *Coordinator) delete(ctx context.Context, s models.Session, cmd Delete) (int, *models.Message, error) {
	if !db.ValidID(cmd.ChatID) {
		return 0, nil, apperr.InvalidIdentifier("room")
	}
	if !db.ValidID(cmd.MessageID) {
		return 0, nil, apperr.InvalidIdentifier("id")
	}

	chat, err := c.memberChat(ctx, cmd.ChatID, s.UserID)
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.authoredMessage(ctx, chat.ID, cmd.MessageID, s.UserID); err != nil {
		return 0, nil, err
	}

	deleted, err := c.store.DeleteMessage(ctx, cmd.MessageID)
	if err != nil {
		return 0, nil, storeError(err, "message")
	}

	c.deleteBlobs(ctx, deleted.Images)
	c.router.Deliver([]string{chat.ID}, "delete", models.DeleteEvent{ID: deleted.ID, ChatID: chat.ID}, s.ConnID)

	last, ok := c.refreshLast(ctx, chat.ID)
	if ok && (chat.LastMessageID == deleted.ID || lastID(last) != chat.LastMessageID) {
		c.announceLast(chat, last)
	}

	return http.StatusOK, deleted, nil
}

func lastID(m *models.Message) string {
	if m == nil {
		return ""
	}
	return m.ID
}
