package acquire

import (
	"fmt"
	"os"
	"strings"
)

// Source is one search backend understood by the fetch tool.
type Source struct {
	Name         string
	SearchPrefix string
	// CookieFile is passed along only if it exists when the attempt starts.
	CookieFile    string
	ExtractorArgs string
}

func (s Source) cookies() string {
	if s.CookieFile == "" {
		return ""
	}
	if _, err := os.Stat(s.CookieFile); err != nil {
		return ""
	}
	return s.CookieFile
}

// youtubeClients avoids the web player, which is the one most often
// challenged for sign-in.
const youtubeClients = "youtube:player_client=android,ios"

// BuildSources maps source names to their search settings, keeping order.
func BuildSources(names []string, cookieFile string) ([]Source, error) {
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "youtube":
			sources = append(sources, Source{
				Name:          "youtube",
				SearchPrefix:  "ytsearch1",
				CookieFile:    cookieFile,
				ExtractorArgs: youtubeClients,
			})
		case "soundcloud":
			sources = append(sources, Source{Name: "soundcloud", SearchPrefix: "scsearch1"})
		default:
			return nil, fmt.Errorf("unknown source %q", name)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	return sources, nil
}
