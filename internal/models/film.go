package models

// Film is a catalogue entry.
type Film struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Genre       string    `json:"genre"`
	VideoURL    string    `json:"videoUrl"`
	Duration    string    `json:"duration"`
	Comments    []Comment `json:"comments"`
}

// Comment is a viewer comment attached to a film.
type Comment struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	Username  string     `json:"username"`
	Timestamp FlexString `json:"timestamp"`
}

// FilmMetrics is the body of GET /api/analytics/film/{id}/metrics.
type FilmMetrics struct {
	FilmID           FlexString `json:"filmId"`
	Title            string     `json:"title"`
	CurrentViewers   int64      `json:"currentViewers"`
	TotalViews       int64      `json:"totalViews"`
	AverageWatchTime float64    `json:"averageWatchTime"`
	CompletionRate   float64    `json:"completionRate"`
	LastUpdated      FlexString `json:"lastUpdated"`
}
