package player

const (
	PlaceholderTitle  = "Loading..."
	PlaceholderArtist = "Jam Sync"
	UnknownTitle      = "Unknown Song"
	UnknownArtist     = "Jam"
)

type Track struct {
	SongID    int64    `json:"id"`
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Album     string   `json:"album,omitempty"`
	Cover     string   `json:"cover,omitempty"`
	StreamURI string   `json:"audio,omitempty"`
	Duration  float64  `json:"duration,omitempty"`
	BPM       *float64 `json:"bpm,omitempty"`
}

// Placeholder is shown while the metadata of songID is being resolved.
func Placeholder(songID int64) Track {
	return Track{
		SongID: songID,
		Title:  PlaceholderTitle,
		Artist: PlaceholderArtist,
	}
}

func Unknown(songID int64) Track {
	return Track{
		SongID: songID,
		Title:  UnknownTitle,
		Artist: UnknownArtist,
	}
}

func (t Track) IsPlaceholder() bool {
	return t.Title == PlaceholderTitle && t.Artist == PlaceholderArtist
}

// merge keeps the resolved metadata of cur when next only carries a
// placeholder for the same song, and keeps stream details next lacks.
func merge(cur *Track, next Track) Track {
	if cur == nil || cur.SongID != next.SongID {
		return next
	}

	out := next
	if next.IsPlaceholder() && !cur.IsPlaceholder() {
		out.Title = cur.Title
		out.Artist = cur.Artist
		out.Album = cur.Album
		out.Cover = cur.Cover
		if out.BPM == nil {
			out.BPM = cur.BPM
		}
	}
	if out.StreamURI == "" {
		out.StreamURI = cur.StreamURI
	}
	if out.Duration == 0 {
		out.Duration = cur.Duration
	}

	return out
}
