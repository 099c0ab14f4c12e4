// Package rates holds the static source→price table used for cost estimates
// and final billing. Prices are integer credit cents per delivered item.
package rates

import "fmt"

// Source identifies a supported extraction platform.
type Source string

const (
	SourceInstagram Source = "instagram"
	SourceTikTok    Source = "tiktok"
	SourceTwitter   Source = "twitter"
	SourceYouTube   Source = "youtube"
)

// ErrUnknownSource is returned for sources with no rate entry.
type ErrUnknownSource struct {
	Source string
}

func (e *ErrUnknownSource) Error() string {
	return fmt.Sprintf("unknown source: %q", e.Source)
}

// perItemCents maps each source to its price per delivered item.
var perItemCents = map[Source]int64{
	SourceInstagram: 5,
	SourceTikTok:    5,
	SourceTwitter:   3,
	SourceYouTube:   8,
}

// Valid reports whether the source has a rate entry.
func Valid(source Source) bool {
	_, ok := perItemCents[source]
	return ok
}

// Lookup returns the per-item price in cents for a source.
func Lookup(source Source) (int64, error) {
	price, ok := perItemCents[source]
	if !ok {
		return 0, &ErrUnknownSource{Source: string(source)}
	}
	return price, nil
}

// Cost returns price-per-item × count for a source. The same function serves
// both the submit-time estimate (requested count) and the final charge
// (actual delivered count).
func Cost(source Source, count int) (int64, error) {
	price, err := Lookup(source)
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, fmt.Errorf("negative item count: %d", count)
	}
	return price * int64(count), nil
}

// Sources returns the supported sources, for validation error messages.
func Sources() []Source {
	return []Source{SourceInstagram, SourceTikTok, SourceTwitter, SourceYouTube}
}
