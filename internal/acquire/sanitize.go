package acquire

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxNameBytes keeps names well under the usual 255-byte filename limit once
// an extension or a numbered suffix is appended.
const maxNameBytes = 200

var forbiddenChars = runes.Predicate(func(r rune) bool {
	switch r {
	case '\\', '/', '*', '?', ':', '"', '<', '>', '|':
		return true
	}
	return unicode.IsControl(r)
})

// SanitizeName strips characters that are unsafe in filenames on common
// filesystems and normalizes the result to NFC. It returns "" when nothing
// usable is left.
func SanitizeName(name string) string {
	// Whitespace controls become plain spaces before the rest are dropped.
	cleaned := strings.Join(strings.Fields(name), " ")

	t := transform.Chain(norm.NFC, runes.Remove(forbiddenChars))
	cleaned, _, err := transform.String(t, cleaned)
	if err != nil {
		return ""
	}

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, " .")

	if len(cleaned) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimRight(cleaned[:cut], " .")
	}
	return cleaned
}

// TrackName is the display name used for a track's file: "<artist> - <title>".
func TrackName(artist, title string) string {
	artist = strings.TrimSpace(artist)
	title = strings.TrimSpace(title)
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

// SearchQuery is what sources are asked for when looking up a track.
func SearchQuery(artist, title string) string {
	return TrackName(artist, title) + " audio"
}
