package acquire

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/bogem/id3v2/v2"
	"golang.org/x/image/draw"
)

const (
	maxCoverBytes = 10 << 20
	coverMaxEdge  = 600
)

// Tags is the metadata written into an acquired file.
type Tags struct {
	Title    string
	Artist   string
	Album    string
	CoverURL string
}

// Tagger writes metadata into an audio file in place.
type Tagger interface {
	Tag(ctx context.Context, path string, tags Tags) error
}

// ID3Tagger writes ID3v2 frames and, optionally, a front cover picture.
type ID3Tagger struct {
	client     *http.Client
	embedCover bool
}

func NewID3Tagger(client *http.Client, embedCover bool) *ID3Tagger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ID3Tagger{client: client, embedCover: embedCover}
}

// Tag sets title, artist and album, and embeds the cover when one is
// configured and can be fetched. A cover failure is returned only after the
// text frames are saved.
func (t *ID3Tagger) Tag(ctx context.Context, path string, tags Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("opening tags: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(tags.Title)
	tag.SetArtist(tags.Artist)
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}

	var coverErr error
	if t.embedCover && tags.CoverURL != "" {
		artwork, err := t.fetchCover(ctx, tags.CoverURL)
		if err != nil {
			coverErr = fmt.Errorf("cover art: %w", err)
		} else {
			tag.DeleteFrames(tag.CommonID("Attached picture"))
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    "image/jpeg",
				PictureType: id3v2.PTFrontCover,
				Description: "Cover",
				Picture:     artwork,
			})
		}
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("saving tags: %w", err)
	}
	return coverErr
}

func (t *ID3Tagger) fetchCover(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
	if err != nil {
		return nil, err
	}
	return resizeCover(data, coverMaxEdge)
}

// resizeCover fits the image inside maxEdge x maxEdge, keeping its aspect
// ratio, and re-encodes it as JPEG.
func resizeCover(data []byte, maxEdge int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if width > maxEdge || height > maxEdge {
		if width >= height {
			height = height * maxEdge / width
			width = maxEdge
		} else {
			width = width * maxEdge / height
			height = maxEdge
		}
		if width < 1 {
			width = 1
		}
		if height < 1 {
			height = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
