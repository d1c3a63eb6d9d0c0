package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"chatrelay/internal/db"
	"chatrelay/internal/models"
)

// MaxImages bounds the images attached to one message.
const MaxImages = 4

// ValidateText trims text and records a field error when it is empty or too long.
func ValidateText(fields map[string]string, field, text string) string {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		fields[field] = "message text cannot be empty"
	case utf8.RuneCountInString(text) > models.MaxMessageLength:
		fields[field] = fmt.Sprintf("Maximum of %d characters", models.MaxMessageLength)
	}
	return text
}

func validateUploads(fields map[string]string, field string, files []models.Upload, maxBytes int) {
	if len(files) > MaxImages {
		fields[field] = fmt.Sprintf("at most %d images per message", MaxImages)
		return
	}
	for i, f := range files {
		switch {
		case !strings.HasPrefix(f.ContentType, "image/"):
			fields[field] = fmt.Sprintf("file %d is not an image", i)
			return
		case len(f.Data) == 0:
			fields[field] = fmt.Sprintf("file %d is empty", i)
			return
		case maxBytes > 0 && len(f.Data) > maxBytes:
			fields[field] = fmt.Sprintf("file %d exceeds %d bytes", i, maxBytes)
			return
		}
	}
}

func validateIDs(fields map[string]string, field string, ids []string) {
	for _, id := range ids {
		if !db.ValidID(id) {
			fields[field] = "invalid identifier"
			return
		}
	}
}

// MaxFrameBytes is the size of the largest valid message frame: MaxImages
// uploads of maxImageBytes each, base64 encoded, plus room for the text and
// framing.
func MaxFrameBytes(maxImageBytes int) int64 {
	return int64(MaxImages)*int64(maxImageBytes)*4/3 + 1<<20
}
