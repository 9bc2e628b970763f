package multiworld

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeChat normalizes and bounds a player chat message. Command
// messages are stripped down to the command word, keeping only the
// numeric argument of /countdown; everything else is NFC-normalized
// and truncated to limit runes.
func SanitizeChat(message string, limit int) string {
	message = norm.NFC.String(message)

	if strings.HasPrefix(message, "/") {
		parts := strings.Fields(message)
		cmd := parts[0]
		if cmd == "/countdown" && len(parts) > 1 {
			// Keep the argument so a bad value can still be reported.
			message = cmd + " " + parts[1]
		} else {
			message = cmd
		}
	}

	runes := []rune(message)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// ParseCountdown extracts the duration argument from a /countdown
// command, applying the default when absent. A non-numeric argument
// yields -1 so the caller can report it.
func ParseCountdown(message string, def int) (int, bool) {
	parts := strings.Fields(message)
	if len(parts) == 0 || parts[0] != "/countdown" {
		return 0, false
	}
	if len(parts) == 1 {
		return def, true
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1, true
	}
	return n, true
}
