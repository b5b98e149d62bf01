package models

// Viewer update kinds on /topic/real-time-analytics.
const (
	ViewerTypeConcurrent = "concurrent_viewers"
	ViewerTypeTotal      = "total_viewers"
)

// AggregateFilmID marks a ViewerUpdate that is not scoped to a film.
const AggregateFilmID int64 = 0

// ViewerUpdate is the latest known viewer count for (Type, FilmID). Each update supersedes
// the previous one for the same key.
type ViewerUpdate struct {
	Type      string     `json:"type"`
	FilmID    int64      `json:"filmId"`
	Count     int64      `json:"count"`
	Timestamp FlexString `json:"timestamp"`
}

// ViewerCount is the body of GET /api/viewers/film/{id}/count.
type ViewerCount struct {
	FilmID      int64 `json:"filmId"`
	ViewerCount int64 `json:"viewerCount"`
	Timestamp   int64 `json:"timestamp"`
}
