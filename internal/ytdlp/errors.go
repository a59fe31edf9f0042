package ytdlp

import "errors"

var (
	// ErrNoMatches indicates the search ran but returned no entries
	ErrNoMatches = errors.New("search returned no results")

	// ErrVideoUnavailable indicates the matched media is not available
	ErrVideoUnavailable = errors.New("video unavailable")

	// ErrVideoPrivate indicates the matched media is private
	ErrVideoPrivate = errors.New("video is private")

	// ErrAgeRestricted indicates the content is age-restricted
	ErrAgeRestricted = errors.New("content is age-restricted")

	// ErrNetworkError indicates a network-related error
	ErrNetworkError = errors.New("network error")

	// ErrRateLimited indicates the source throttled or challenged the client
	ErrRateLimited = errors.New("source rate limited the request")

	// ErrYtdlpNotFound indicates yt-dlp is not installed
	ErrYtdlpNotFound = errors.New("yt-dlp not found in PATH")

	// ErrFetchFailed indicates the tool failed for an unrecognized reason
	ErrFetchFailed = errors.New("fetch failed")
)

// FetchError wraps a tool failure with the query that caused it.
type FetchError struct {
	Query   string
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsContentError reports whether err means the source answered but had
// nothing usable for the query, as opposed to the source being unreachable.
func IsContentError(err error) bool {
	return errors.Is(err, ErrNoMatches) ||
		errors.Is(err, ErrVideoUnavailable) ||
		errors.Is(err, ErrVideoPrivate) ||
		errors.Is(err, ErrAgeRestricted)
}
