// Package monitor defines core types shared across the monitoring engine.
package monitor

import (
	"fmt"
	"time"
)

// Object store buckets holding snapshot blobs.
const (
	BucketImages = "images"
	BucketHTMLs  = "htmls"
)

// EventStatus represents the review lifecycle of a monitoring event.
type EventStatus string

// Event status values persisted in the registry. The engine only writes EventStatusCreated.
const (
	EventStatusCreated  EventStatus = "CREATED"
	EventStatusNotified EventStatus = "NOTIFIED"
	EventStatusWatched  EventStatus = "WATCHED"
	EventStatusReacted  EventStatus = "REACTED"
)

var statusRank = map[EventStatus]int{
	EventStatusCreated:  0,
	EventStatusNotified: 1,
	EventStatusWatched:  2,
	EventStatusReacted:  3,
}

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether a transition from s to next moves forward.
func (s EventStatus) CanAdvanceTo(next EventStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Zone is an axis-aligned rectangle in screenshot pixel coordinates.
type Zone struct {
	X           int `json:"x"`
	Y           int `json:"y"`
	Width       int `json:"width"`
	Height      int `json:"height"`
	Sensitivity int `json:"sensitivity"`
}

// Area returns the pixel count covered by the zone.
func (z Zone) Area() int {
	if z.Width <= 0 || z.Height <= 0 {
		return 0
	}
	return z.Width * z.Height
}

// Validate checks the zone dimensions and sensitivity range.
func (z Zone) Validate() error {
	if z.Width < 0 || z.Height < 0 {
		return fmt.Errorf("zone dimensions must be >= 0, got %dx%d", z.Width, z.Height)
	}
	if z.Sensitivity < 0 || z.Sensitivity > 100 {
		return fmt.Errorf("zone sensitivity must be within [0,100], got %d", z.Sensitivity)
	}
	return nil
}

// Resource is a monitored web page plus its monitoring parameters.
type Resource struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Keywords       []string   `json:"key_words"`
	Interval       string     `json:"interval"`
	StartsFrom     *time.Time `json:"starts_from,omitempty"`
	MakeScreenshot bool       `json:"make_screenshot"`
	Enabled        bool       `json:"enabled"`
	Zone           *Zone      `json:"zone,omitempty"`
}

// Active reports whether the resource may run at now.
func (r Resource) Active(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	return r.StartsFrom == nil || !r.StartsFrom.After(now)
}

// HasKeywords reports whether an HTML capture is required.
func (r Resource) HasKeywords() bool {
	return len(r.Keywords) > 0
}

// HasZone reports whether a screenshot capture is required.
func (r Resource) HasZone() bool {
	return r.Zone != nil
}

// Event is a monitoring event emitted by a run.
type Event struct {
	ID         string      `json:"id"`
	ResourceID string      `json:"resource_id"`
	SnapshotID string      `json:"snapshot_id"`
	Name       string      `json:"name"`
	CreatedAt  time.Time   `json:"created_at"`
	Status     EventStatus `json:"status"`
}

// Page is the raw HTML returned by a Fetcher.
type Page struct {
	URL        string
	StatusCode int
	Charset    string
	Body       []byte
	Duration   time.Duration
}

// Screenshot is the PNG returned by a Renderer.
type Screenshot struct {
	URL      string
	Width    int64
	Height   int64
	PNG      []byte
	Duration time.Duration
}

// QueueItem wraps a resource due for a check.
type QueueItem struct {
	ResourceID string
	DueAt      time.Time
}
