package domain

import (
	"time"

	"github.com/smartcity/roadwatch/pkg/geo"
)

// Detection is a classified, user-attributed defect event. It is never mutated
// after creation.
type Detection struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Location   geo.Point       `json:"location"`
	DefectType DefectType      `json:"defect_type"`
	Confidence float64         `json:"confidence"`
	Severity   int             `json:"severity"`
	Window     ProcessedWindow `json:"window"`
}

// AggregatedReport is a spatial cluster of detections believed to be the same
// physical defect. Location is the first detection's point and never moves.
type AggregatedReport struct {
	ID               string     `json:"id"`
	Geohash          string     `json:"geohash"`
	Location         geo.Point  `json:"location"`
	DefectType       DefectType `json:"defect_type"`
	AverageSeverity  float64    `json:"average_severity"`
	ReportCount      int        `json:"report_count"`
	UniqueUsers      []string   `json:"unique_users"`
	FirstReported    time.Time  `json:"first_reported"`
	LastReported     time.Time  `json:"last_reported"`
	CredibilityScore float64    `json:"credibility_score"`
}

// Verified reports whether at least two detections back the report.
func (r AggregatedReport) Verified() bool {
	return r.ReportCount >= 2
}

// HasUser reports whether userID already contributed to the report.
func (r AggregatedReport) HasUser(userID string) bool {
	for _, u := range r.UniqueUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// Bounds is a lat/lon bounding box.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether p lies inside the box, edges included.
func (b Bounds) Contains(p geo.Point) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLon && p.Longitude <= b.MaxLon
}

// ReportFilter selects reports for map and admin views. Results are ordered
// by credibility, highest first.
type ReportFilter struct {
	Bounds     *Bounds    `json:"bounds,omitempty"`
	DefectType DefectType `json:"defect_type,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// Stats is the public counter snapshot.
type Stats struct {
	TotalDetections int64 `json:"totalDetections"`
	VerifiedReports int64 `json:"verifiedReports"`
	Timestamp       int64 `json:"timestamp"`
}
