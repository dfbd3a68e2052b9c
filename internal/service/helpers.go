package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

func GetExpiresAt(expiresIn int) time.Time {
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}

func expiresAtPtr(expiresIn int) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := GetExpiresAt(expiresIn)
	return &t
}

var spaceRun = regexp.MustCompile(`\s+`)

// TextHash fingerprints post text. Whitespace runs and case are normalised
// so trivially reformatted copies hash the same.
func TextHash(text string) string {
	normalised := strings.ToLower(strings.TrimSpace(spaceRun.ReplaceAllString(text, " ")))
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}

// truncateRunes cuts s to at most n runes, ending with an ellipsis when cut.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
