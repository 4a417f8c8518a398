package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// KeyPrefix is the bucket prefix under which all upload objects live.
const KeyPrefix = "uploads/"

const maxFileNameLen = 100

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// characters allowed in a stored file name; everything else is dropped
	unsafeCharRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	keyRe        = regexp.MustCompile(`^uploads/user_([0-9a-fA-F-]{36})/\d{8}_\d{6}_[0-9a-f]{8}_(.+)$`)
)

// SanitizeFileName normalizes a client-declared file name for use inside a
// storage key: path separators and traversal sequences are removed,
// whitespace collapses to single underscores, remaining unsafe characters
// are dropped, and the result is length-capped.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, "..", "")
	name = whitespaceRe.ReplaceAllString(strings.TrimSpace(name), "_")
	name = unsafeCharRe.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > maxFileNameLen {
		// keep the extension when truncating
		ext := ""
		if i := strings.LastIndex(name, "."); i > 0 && len(name)-i <= 10 {
			ext = name[i:]
		}
		name = name[:maxFileNameLen-len(ext)] + ext
	}
	return name
}

// BuildKey synthesizes the storage key for an upload. The key embeds the
// owning user's id, so ownership can be checked by parsing the key alone.
// Format: uploads/user_<id>/<YYYYMMDD_HHMMSS>_<8hex>_<sanitized-name>.
// The format is persisted and must stay stable.
func BuildKey(userID, fileName string, now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate key entropy: %w", err)
	}
	return fmt.Sprintf("%suser_%s/%s_%s_%s",
		KeyPrefix,
		userID,
		now.UTC().Format("20060102_150405"),
		hex.EncodeToString(buf[:]),
		SanitizeFileName(fileName),
	), nil
}

// KeyOwner extracts the user id embedded in a storage key. An error means
// the key does not follow the upload key scheme.
func KeyOwner(key string) (string, error) {
	m := keyRe.FindStringSubmatch(key)
	if m == nil {
		return "", fmt.Errorf("key %q does not match upload key format", key)
	}
	return strings.ToLower(m[1]), nil
}
