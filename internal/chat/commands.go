package chat

import (
	"encoding/json"

	"chatrelay/internal/apperr"
	"chatrelay/internal/models"
)

// Command is a decoded inbound event.
type Command interface {
	Event() string
}

type Join struct {
	ChatID string
}

type Leave struct {
	ChatID string
}

type Send struct {
	ChatID string
	Text   string
	Images []models.Upload
}

// Edit changes a message's text and image set. A nil Text keeps the text; a
// nil Keep keeps every existing image.
type Edit struct {
	ChatID    string
	MessageID string
	Text      *string
	Keep      []string
	Files     []models.Upload
}

type Delete struct {
	ChatID    string
	MessageID string
}

func (Join) Event() string   { return "join" }
func (Leave) Event() string  { return "leave" }
func (Send) Event() string   { return "message" }
func (Edit) Event() string   { return "edit" }
func (Delete) Event() string { return "delete" }

// Decode turns a wire frame into a command.
func Decode(frame models.InboundFrame) (Command, error) {
	switch frame.Event {
	case "join":
		return Join{ChatID: frame.Room}, nil

	case "leave":
		return Leave{ChatID: frame.Room}, nil

	case "message":
		// a bare string is accepted as text-only data
		var text string
		if json.Unmarshal(frame.Data, &text) == nil {
			return Send{ChatID: frame.Room, Text: text}, nil
		}
		var p models.SendPayload
		if err := decodeData(frame.Data, &p); err != nil {
			return nil, err
		}
		return Send{ChatID: frame.Room, Text: p.Text, Images: p.Images}, nil

	case "edit":
		var p models.EditPayload
		if err := decodeData(frame.Data, &p); err != nil {
			return nil, err
		}
		return Edit{
			ChatID:    frame.Room,
			MessageID: p.ID,
			Text:      p.Text,
			Keep:      p.Images,
			Files:     p.ImageFiles,
		}, nil

	case "delete":
		var p models.DeletePayload
		if err := decodeData(frame.Data, &p); err != nil {
			return nil, err
		}
		return Delete{ChatID: frame.Room, MessageID: p.ID}, nil
	}

	return nil, apperr.Validation(map[string]string{"event": "unknown event"})
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.Validation(map[string]string{"data": "payload is required"})
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation(map[string]string{"data": "malformed payload"})
	}
	return nil
}
