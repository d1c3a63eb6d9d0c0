package models

import (
	"encoding/json"
	"time"
)

// MaxMessageLength bounds message text, counted in runes.
const MaxMessageLength = 500

type User struct {
	ID         string    `json:"_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Password   string    `json:"-"`
	Image      string    `json:"image,omitempty"`
	LastChatID string    `json:"lastChat,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Public returns the profile fields other users are allowed to see.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username, Image: u.Image}
}

type PublicUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Image    string `json:"image,omitempty"`
}

type Image struct {
	ID  string `json:"_id"`
	URL string `json:"url"`
}

type Message struct {
	ID            string     `json:"_id"`
	ChatID        string     `json:"chatId"`
	User          PublicUser `json:"user"`
	Text          string     `json:"text"`
	Images        []Image    `json:"images"`
	PendingImages int        `json:"pendingImages,omitempty"`
	CreatedAt     time.Time  `json:"date"`
	EditedAt      *time.Time `json:"edited,omitempty"`
	Seq           int64      `json:"-"`
}

// ImageIDs returns the ids of the images attached to the message, in order.
func (m *Message) ImageIDs() []string {
	ids := make([]string, 0, len(m.Images))
	for _, img := range m.Images {
		ids = append(ids, img.ID)
	}
	return ids
}

type Chat struct {
	ID            string    `json:"_id"`
	Members       []string  `json:"users"`
	LastMessageID string    `json:"-"`
	LastMessage   *Message  `json:"lastMessage"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasMember reports whether userID belongs to the chat.
func (c *Chat) HasMember(userID string) bool {
	for _, id := range c.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatSummary is a chat as seen from one member: the peer and the latest message.
type ChatSummary struct {
	ID          string     `json:"_id"`
	User        PublicUser `json:"user"`
	LastMessage *Message   `json:"lastMessage"`
}

type LoginResponse struct {
	Message string     `json:"message"`
	User    PublicUser `json:"user"`
}

// Session identifies the connection an inbound event arrived on.
type Session struct {
	ConnID   string
	UserID   string
	Username string
}

// InboundFrame is a client to server event on the persistent connection.
type InboundFrame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// OutboundFrame is a server to client event. Ack is set only on acknowledgments.
type OutboundFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data"`
}

// Ack is the direct response to the originator of an event.
type Ack struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Message    *Message          `json:"message,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Upload is an image attached to a send or edit event.
type Upload struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type SendPayload struct {
	Text   string   `json:"text"`
	Images []Upload `json:"images,omitempty"`
}

type EditPayload struct {
	ID         string   `json:"_id"`
	Text       *string  `json:"text,omitempty"`
	Images     []string `json:"images,omitempty"`
	ImageFiles []Upload `json:"imageFiles,omitempty"`
}

type DeletePayload struct {
	ID string `json:"_id"`
}

// Server to client event payloads.

type ChatSummaryEvent struct {
	ChatID      string   `json:"chatId"`
	LastMessage *Message `json:"lastMessage"`
}

type ImageEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Image     Image  `json:"image"`
}

type DeleteEvent struct {
	ID     string `json:"_id"`
	ChatID string `json:"chatId"`
}

type ErrorEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}
