// Package identity implements ghost identities: opaque, self-validating,
// anonymous participant tokens of the form ghost_<unix_ms>_<16 hex>. A ghost
// id can be checked for structural validity without any store lookup, and is
// never reused across sessions. Display names and avatars are derived
// deterministically from the id so that every server renders a ghost the
// same way without shared state.
package identity

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix is the leading component of every ghost id.
	Prefix = "ghost"

	// randomHexLen is the required length of the random hex component.
	randomHexLen = 16
)

// ghostNames is the pool of base display names. A ghost's name is picked by
// hashing its id, so the mapping is stable across processes.
var ghostNames = []string{
	"Phantom", "Specter", "Wraith", "Spirit", "Shade",
	"Apparition", "Poltergeist", "Banshee", "Ghoul", "Revenant",
	"Wisp", "Ethereal", "Vapor", "Mist", "Echo",
}

// fallbackColors is the avatar background palette used when no named avatar
// is selected.
var fallbackColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
	"#BB8FCE", "#85C1E9", "#F8C471", "#82E0AA",
}

// namedAvatar is a selectable avatar preset.
type namedAvatar struct {
	Emoji           string
	BackgroundColor string
}

var namedAvatars = map[string]namedAvatar{
	"ghost":   {"👻", "#6366F1"},
	"skull":   {"💀", "#EF4444"},
	"ninja":   {"🥷", "#374151"},
	"alien":   {"👽", "#10B981"},
	"robot":   {"🤖", "#3B82F6"},
	"wizard":  {"🧙", "#8B5CF6"},
	"vampire": {"🧛", "#DC2626"},
	"devil":   {"😈", "#F59E0B"},
	"demon":   {"👹", "#EF4444"},
	"ogre":    {"👺", "#059669"},
	"clown":   {"🤡", "#EC4899"},
	"pirate":  {"🏴‍☠️", "#1F2937"},
}

// Avatar is the presentation data rendered next to a ghost.
type Avatar struct {
	BackgroundColor string `json:"background_color"`
	TextColor       string `json:"text_color"`
	Initials        string `json:"initials"`
	AvatarID        string `json:"avatar_id,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
}

// New generates a fresh ghost id embedding the current millisecond timestamp
// and a 16-hex-digit random component.
func New() string {
	buf := make([]byte, randomHexLen/2)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", Prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// Valid reports whether id is structurally a well-formed ghost id: correct
// prefix, exactly three components, a numeric timestamp not in the future,
// and a 16-digit hex random component. No store lookup is performed.
func Valid(id string) bool {
	if id == "" || !strings.HasPrefix(id, Prefix+"_") {
		return false
	}

	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return false
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	if ts > time.Now().UnixMilli() {
		return false
	}

	if len(parts[2]) != randomHexLen {
		return false
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return false
	}
	return true
}

// hashInt derives a stable non-negative integer from a ghost id.
func hashInt(id string) uint64 {
	sum := md5.Sum([]byte(id))
	return binary.BigEndian.Uint64(sum[:8])
}

// DisplayName returns the deterministic auto-generated display name for a
// ghost id, in the form "Name#NNNN".
func DisplayName(id string) string {
	h := hashInt(id)
	name := ghostNames[h%uint64(len(ghostNames))]
	number := (h/uint64(len(ghostNames)))%9999 + 1
	return fmt.Sprintf("%s#%04d", name, number)
}

// ShortID returns the trailing four characters of the random component,
// used in generated room names and fallback labels.
func ShortID(id string) string {
	if i := strings.LastIndex(id, "_"); i >= 0 {
		id = id[i+1:]
	}
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

// AvatarFor builds the avatar for a ghost. If avatarID names a known preset,
// that preset is used; otherwise a palette color is picked from the id hash.
// customName, when non-empty, supplies the initials.
func AvatarFor(id, avatarID, customName string) Avatar {
	initials := customName
	if initials == "" {
		initials = DisplayName(id)
	}
	initials = strings.ToUpper(firstRunes(initials, 2))

	if preset, ok := namedAvatars[avatarID]; ok {
		return Avatar{
			BackgroundColor: preset.BackgroundColor,
			TextColor:       "#FFFFFF",
			Initials:        initials,
			AvatarID:        avatarID,
			Emoji:           preset.Emoji,
		}
	}

	color := fallbackColors[hashInt(id)%uint64(len(fallbackColors))]
	text := "#000000"
	if isDarkColor(color) {
		text = "#FFFFFF"
	}
	return Avatar{
		BackgroundColor: color,
		TextColor:       text,
		Initials:        initials,
	}
}

// firstRunes returns the first n runes of s.
func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

// isDarkColor reports whether a #RRGGBB color is dark enough to need white
// text, using the standard perceived-brightness weighting.
func isDarkColor(hexColor string) bool {
	hexColor = strings.TrimPrefix(hexColor, "#")
	if len(hexColor) != 6 {
		return false
	}
	raw, err := hex.DecodeString(hexColor)
	if err != nil {
		return false
	}
	brightness := (int(raw[0])*299 + int(raw[1])*587 + int(raw[2])*114) / 1000
	return brightness < 128
}
