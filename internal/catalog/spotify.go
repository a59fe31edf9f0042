package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// pageFetchLimit bounds pagination so a runaway playlist cannot stall a request.
const pageFetchLimit = 100

// SpotifyProvider resolves links with the Spotify Web API using the client
// credentials flow.
type SpotifyProvider struct {
	client *spotify.Client
	retry  *apperrors.RetryConfig
	log    *logger.Logger
}

// NewSpotifyProvider authenticates lazily: the token is fetched on the first
// API call and refreshed by the oauth2 transport.
func NewSpotifyProvider(ctx context.Context, clientID, clientSecret string, log *logger.Logger) (*SpotifyProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("spotify client id and secret are required")
	}

	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	return newSpotifyProvider(creds.Client(ctx), log), nil
}

func newSpotifyProvider(httpClient *http.Client, log *logger.Logger, opts ...spotify.ClientOption) *SpotifyProvider {
	if log == nil {
		log = logger.Default().WithComponent("catalog")
	}
	return &SpotifyProvider{
		client: spotify.New(httpClient, opts...),
		retry:  apperrors.CatalogRetryConfig(),
		log:    log,
	}
}

// Resolve implements Provider.
func (p *SpotifyProvider) Resolve(ctx context.Context, link string) (*Collection, error) {
	ref, err := ParseReference(link)
	if err != nil {
		return nil, err
	}

	coll, err := apperrors.RetryWithResult(ctx, p.retry, func(ctx context.Context) (*Collection, error) {
		return p.resolve(ctx, ref)
	})
	if err != nil {
		p.log.WarnErr(ctx, "catalog lookup failed", err, map[string]interface{}{"ref": ref.String()})
		return nil, classify(err)
	}

	p.log.Debug(ctx, "catalog lookup", map[string]interface{}{
		"ref":    ref.String(),
		"tracks": len(coll.Tracks),
	})
	return coll, nil
}

func (p *SpotifyProvider) resolve(ctx context.Context, ref Reference) (*Collection, error) {
	switch ref.Kind {
	case KindTrack:
		return p.track(ctx, spotify.ID(ref.ID))
	case KindAlbum:
		return p.album(ctx, spotify.ID(ref.ID))
	case KindPlaylist:
		return p.playlist(ctx, spotify.ID(ref.ID))
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedLink, ref.Kind)
	}
}

func (p *SpotifyProvider) track(ctx context.Context, id spotify.ID) (*Collection, error) {
	t, err := p.client.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	track := fromFullTrack(t)
	return &Collection{
		Kind:     KindTrack,
		Name:     TrackLabel(track),
		CoverURL: track.CoverURL,
		Tracks:   []Track{track},
	}, nil
}

func (p *SpotifyProvider) album(ctx context.Context, id spotify.ID) (*Collection, error) {
	a, err := p.client.GetAlbum(ctx, id)
	if err != nil {
		return nil, err
	}

	coll := &Collection{
		Kind:     KindAlbum,
		Name:     a.Name,
		CoverURL: firstImage(a.Images),
	}

	page := &a.Tracks
	for n := 0; n < pageFetchLimit; n++ {
		for _, st := range page.Tracks {
			coll.Tracks = append(coll.Tracks, Track{
				Title:     st.Name,
				Artist:    firstArtist(st.Artists),
				Album:     a.Name,
				CoverURL:  coll.CoverURL,
				SourceURL: st.ExternalURLs["spotify"],
			})
		}
		if err := p.client.NextPage(ctx, page); err != nil {
			if errors.Is(err, spotify.ErrNoMorePages) {
				break
			}
			return nil, err
		}
	}
	return coll, nil
}

func (p *SpotifyProvider) playlist(ctx context.Context, id spotify.ID) (*Collection, error) {
	pl, err := p.client.GetPlaylist(ctx, id)
	if err != nil {
		return nil, err
	}

	coll := &Collection{
		Kind:     KindPlaylist,
		Name:     pl.Name,
		CoverURL: firstImage(pl.Images),
	}

	page := &pl.Tracks
	for n := 0; n < pageFetchLimit; n++ {
		for _, item := range page.Tracks {
			// Local files and removed tracks come back without a name.
			if item.Track.Name == "" {
				continue
			}
			coll.Tracks = append(coll.Tracks, fromFullTrack(&item.Track))
		}
		if err := p.client.NextPage(ctx, page); err != nil {
			if errors.Is(err, spotify.ErrNoMorePages) {
				break
			}
			return nil, err
		}
	}
	return coll, nil
}

func fromFullTrack(t *spotify.FullTrack) Track {
	return Track{
		Title:     t.Name,
		Artist:    firstArtist(t.Artists),
		Album:     t.Album.Name,
		CoverURL:  firstImage(t.Album.Images),
		SourceURL: t.ExternalURLs["spotify"],
	}
}

// TrackLabel is "Artist - Title", or just the title when the artist is unknown.
func TrackLabel(t Track) string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Artist + " - " + t.Title
}

// Only the primary artist is kept; search queries match it best.
func firstArtist(artists []spotify.SimpleArtist) string {
	if len(artists) == 0 {
		return ""
	}
	return artists[0].Name
}

// Spotify lists images largest first.
func firstImage(images []spotify.Image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}

// classify maps API errors to catalog sentinels.
func classify(err error) error {
	var se spotify.Error
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusNotFound, http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrNotFound, se.Message)
		}
	}
	return err
}
