// Package catalog resolves music catalog links into the tracks they name.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the type of object a catalog link points at.
type Kind string

const (
	KindTrack    Kind = "track"
	KindAlbum    Kind = "album"
	KindPlaylist Kind = "playlist"
)

var (
	// ErrUnsupportedLink is returned for links that are not catalog references.
	ErrUnsupportedLink = errors.New("unsupported catalog link")
	// ErrNotFound is returned when the provider has no such object.
	ErrNotFound = errors.New("catalog object not found")
)

// Track is a logical track: what to look for, not where it comes from.
type Track struct {
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Album     string `json:"album,omitempty"`
	CoverURL  string `json:"cover_image,omitempty"`
	SourceURL string `json:"spotify_url,omitempty"`
}

// Collection is the resolved form of a link: a single track, an album or a
// playlist with its tracks in order.
type Collection struct {
	Kind     Kind    `json:"type"`
	Name     string  `json:"name"`
	CoverURL string  `json:"cover_image,omitempty"`
	Tracks   []Track `json:"tracks"`
}

// Reference identifies one catalog object.
type Reference struct {
	Kind Kind
	ID   string
}

func (r Reference) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Provider resolves catalog links.
type Provider interface {
	Resolve(ctx context.Context, link string) (*Collection, error)
}

var linkPattern = regexp.MustCompile(`(?:open\.spotify\.com/(?:intl-[a-zA-Z-]+/)?|spotify:)(track|album|playlist)(?:/|:)([a-zA-Z0-9]+)`)

// ParseReference extracts the object kind and id from a share URL
// ("https://open.spotify.com/album/<id>?si=...") or a URI
// ("spotify:playlist:<id>").
func ParseReference(link string) (Reference, error) {
	m := linkPattern.FindStringSubmatch(strings.TrimSpace(link))
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrUnsupportedLink, link)
	}
	return Reference{Kind: Kind(m[1]), ID: m[2]}, nil
}
