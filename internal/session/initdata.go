// ABOUTME: Verification of Telegram Mini App init data
// ABOUTME: HMAC-SHA256 over the sorted data-check string plus an auth_date freshness window

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/maintdesk/internal/telegram"
)

// maxFutureSkew tolerates clients whose clock runs slightly ahead.
const maxFutureSkew = time.Minute

// webAppKey derives the init-data signing key from the bot token.
func webAppKey(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// dataCheckString joins every field except hash as sorted key=value lines.
func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for n, k := range keys {
		lines[n] = k + "=" + values.Get(k)
	}
	return strings.Join(lines, "\n")
}

// SignInitData returns the hash Telegram would attach to values.
func SignInitData(values url.Values, botToken string) string {
	mac := hmac.New(sha256.New, webAppKey(botToken))
	mac.Write([]byte(dataCheckString(values)))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyInitData authenticates raw init data and returns the embedded user.
func verifyInitData(raw, botToken string, now time.Time, maxAge time.Duration) (*telegram.WebAppUser, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty init data", ErrMalformedPayload)
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for k, v := range values {
		if len(v) != 1 {
			return nil, fmt.Errorf("%w: repeated field %q", ErrMalformedPayload, k)
		}
	}

	got, err := hex.DecodeString(values.Get("hash"))
	if err != nil || len(got) != sha256.Size {
		return nil, fmt.Errorf("%w: missing or malformed hash", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, webAppKey(botToken))
	mac.Write([]byte(dataCheckString(values)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, ErrInvalidSignature
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: auth_date", ErrMalformedPayload)
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > maxAge || authDate.Sub(now) > maxFutureSkew {
		return nil, ErrStalePayload
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, fmt.Errorf("%w: no user", ErrMalformedPayload)
	}
	var u telegram.WebAppUser
	if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrMalformedPayload, err)
	}
	if u.ID <= 0 {
		return nil, fmt.Errorf("%w: user id", ErrMalformedPayload)
	}
	return &u, nil
}
