// Package util provides small shared helpers for the engine.
package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// disallowedChars matches anything not in [a-z0-9-_].
	disallowedChars = regexp.MustCompile(`[^a-z0-9\-_]`)
	// multiHyphen collapses consecutive hyphens.
	multiHyphen = regexp.MustCompile(`-{2,}`)
)

// SanitizeForFilename converts an arbitrary label (template name, exported
// account name) to a filesystem-safe name: lowercased, spaces and slashes to
// hyphens, everything outside [a-z0-9-_] stripped, hyphen runs collapsed.
//
// Example: "Super Rare / Event" → "super-rare-event"
func SanitizeForFilename(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "/", "-")
	s = disallowedChars.ReplaceAllString(s, "")
	s = multiHyphen.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// TimestampedFilename builds "<sanitized>_<20060102_150405><ext>" for files
// that must never overwrite an earlier capture of the same name.
func TimestampedFilename(name, ext string, now time.Time) string {
	return fmt.Sprintf("%s_%s%s", SanitizeForFilename(name), now.Format("20060102_150405"), ext)
}
