// ABOUTME: Types for the identity embedded in Telegram Mini App init data
// ABOUTME: Decoded by the session issuer after the payload signature is verified

package telegram

import "strings"

// WebAppUser is the "user" field of Mini App init data.
type WebAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsBot        bool   `json:"is_bot,omitempty"`
}

// DisplayName joins first and last name, falling back to the username.
func (u WebAppUser) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}
