package ical

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	appLog "calmat/internal/log"
)

// NormalizeText returns s as NFC UTF-8. Byte sequences that are not valid
// UTF-8 are read as Windows-1252, the encoding older Outlook exports use.
func NormalizeText(s string) string {
	if !utf8.ValidString(s) {
		dec, err := charmap.Windows1252.NewDecoder().String(s)
		if err != nil {
			appLog.Debug("text transcoding failed", "err", err)
			dec = strings.ToValidUTF8(s, "\uFFFD")
		}
		s = dec
	}
	return norm.NFC.String(s)
}

// IsPlainIdentifier reports whether s is non-empty ASCII, the only form
// accepted verbatim for UIDs.
func IsPlainIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
