package api

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"chatrelay/internal/chat"
	"chatrelay/internal/db"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{3,30}$`)
)

const minPasswordLength = 8

// signupRequest is the body of POST /session/signup.
type signupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (r *signupRequest) Validate() map[string]string {
	errs := map[string]string{}
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))

	if !usernameRegex.MatchString(r.Username) {
		errs["username"] = "Username must be 3 to 30 letters, digits, '.', '_' or '-'"
	}
	if len(r.Email) > 254 || !emailRegex.MatchString(r.Email) {
		errs["email"] = "Invalid email"
	}
	if utf8.RuneCountInString(r.Password) < minPasswordLength {
		errs["password"] = "Password must be at least 8 characters"
	} else if len(r.Password) > 72 {
		errs["password"] = "Password must be at most 72 bytes"
	}
	if r.ConfirmPassword != r.Password {
		errs["confirmPassword"] = "Passwords do not match"
	}
	return errs
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *loginRequest) Validate() map[string]string {
	errs := map[string]string{}
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Email == "" {
		errs["email"] = "Email is required"
	}
	if r.Password == "" {
		errs["password"] = "Password is required"
	}
	return errs
}

// createChatRequest is the body of POST /chats. Message is optional.
type createChatRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (r *createChatRequest) Validate(self string) map[string]string {
	errs := map[string]string{}
	r.UserID = strings.TrimSpace(r.UserID)
	switch {
	case r.UserID == "":
		errs["userId"] = "Specify id of other user"
	case !db.ValidID(r.UserID):
		errs["userId"] = "Invalid id format"
	case r.UserID == self:
		errs["userId"] = "Cannot start a chat with yourself"
	}
	if strings.TrimSpace(r.Message) != "" {
		r.Message = chat.ValidateText(errs, "message", r.Message)
	} else {
		r.Message = ""
	}
	return errs
}

type createMessageRequest struct {
	ChatID  string `json:"-"`
	Message string `json:"message"`
}

func (r *createMessageRequest) Validate() map[string]string {
	errs := map[string]string{}
	if !db.ValidID(r.ChatID) {
		errs["chatId"] = "Invalid id format"
	}
	r.Message = chat.ValidateText(errs, "message", r.Message)
	return errs
}
