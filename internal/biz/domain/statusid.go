package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	minStatusIDLen  = 15
	maxStatusIDLen  = 20
	keepStatusIDLen = 19
)

var (
	userStatusPattern   = regexp.MustCompile(`/([A-Za-z0-9_]+)/status/(\d+)`)
	bareStatusPattern   = regexp.MustCompile(`/(?:i/(?:web/)?|web/)?status/(\d+)`)
	conversationPattern = regexp.MustCompile(`conversation_id=(\d+)`)
	statusKeyPattern    = regexp.MustCompile(`^(?:notif_)?status_(\d+)$`)
)

// reserved first path segments that are never user handles
var reservedPaths = map[string]bool{
	"home": true, "notifications": true, "explore": true, "messages": true,
	"compose": true, "i": true, "search": true, "settings": true, "web": true,
}

// CanonicalStatusID returns a plausible status id or "".
// Ids shorter than 15 digits are rejected, a string made of the same id
// twice is halved, and absurdly long strings are cut to 19 digits.
func CanonicalStatusID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	if n := len(id); n%2 == 0 && n/2 >= minStatusIDLen && id[:n/2] == id[n/2:] {
		id = id[:n/2]
	}
	if len(id) > maxStatusIDLen {
		id = id[:keepStatusIDLen]
	}
	if len(id) < minStatusIDLen {
		return ""
	}
	return id
}

// StatusFromHref pulls (handle, id) from a link; handle may be empty
func StatusFromHref(href string) (handle, id string) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ""
	}
	if m := userStatusPattern.FindStringSubmatch(href); m != nil && !reservedPaths[strings.ToLower(m[1])] {
		if id := CanonicalStatusID(m[2]); id != "" {
			return NormalizeHandle(m[1]), id
		}
	}
	if m := bareStatusPattern.FindStringSubmatch(href); m != nil {
		if id := CanonicalStatusID(m[1]); id != "" {
			return "", id
		}
	}
	if m := conversationPattern.FindStringSubmatch(href); m != nil {
		if id := CanonicalStatusID(m[1]); id != "" {
			return "", id
		}
	}
	return "", ""
}

// HandleFromHref returns "@user" for profile or status links
func HandleFromHref(href string) string {
	href = strings.TrimSpace(href)
	if i := strings.Index(href, "://"); i >= 0 {
		href = href[i+3:]
		if j := strings.Index(href, "/"); j >= 0 {
			href = href[j:]
		} else {
			return ""
		}
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	parts := strings.Split(strings.Trim(href, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	name := parts[0]
	if reservedPaths[strings.ToLower(name)] {
		return ""
	}
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return ""
		}
	}
	return NormalizeHandle(name)
}

// StatusURL builds the public link for a status
func StatusURL(handle, id string) string {
	if id == "" {
		return ""
	}
	if h := strings.TrimPrefix(NormalizeHandle(handle), "@"); h != "" {
		return fmt.Sprintf("https://x.com/%s/status/%s", h, id)
	}
	return "https://x.com/i/status/" + id
}

// StatusKey is the item key for a resolved status id
func StatusKey(id string) string {
	return "notif_status_" + id
}

// FallbackKey hashes (handle, content, time token) with an installation salt
func FallbackKey(salt, handle, content, timeToken string) string {
	sum := md5.Sum([]byte(salt + "|" + NormalizeHandle(handle) + "|" + NormalizeContent(content) + "|" + timeToken))
	return "notif_fallback_" + hex.EncodeToString(sum[:])[:20]
}

// TweetKey is the key for a thread-mode comment
func TweetKey(handle, content string) string {
	return NormalizeHandle(handle) + "_" + Truncate(content, 50)
}

// StatusIDOf recovers a status id from an item's fields
func StatusIDOf(item CandidateItem) string {
	if id := CanonicalStatusID(item.StatusID); id != "" {
		return id
	}
	if _, id := StatusFromHref(item.StatusURL); id != "" {
		return id
	}
	if m := statusKeyPattern.FindStringSubmatch(item.Key); m != nil {
		return CanonicalStatusID(m[1])
	}
	return ""
}
