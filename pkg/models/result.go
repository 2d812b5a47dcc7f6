package models

import "time"

// CachedResult is a persisted successful detection, one row per result key in clip_results.
type CachedResult struct {
	ID                    int64           `db:"id"                      json:"id"`
	ClipID                string          `db:"clip_id"                 json:"clip_id"`
	ClipURL               *string         `db:"clip_url"                json:"clip_url,omitempty"`
	Results               DetectionResult `db:"results"                 json:"results"`
	ProcessedAt           time.Time       `db:"processed_at"            json:"processed_at"`
	ProcessingTimeSeconds float64         `db:"processing_time_seconds" json:"processing_time_seconds"`
	MatchID               *string         `db:"match_id"                json:"match_id,omitempty"`
	Facets                *Facets         `db:"facets"                  json:"facets,omitempty"`
}

// Facets is the summary derived from a DetectionResult at completion time.
type Facets struct {
	FramesAnalyzed       int          `json:"frames_analyzed"`
	FramesWithDetections int          `json:"frames_with_detections"`
	Labels               []LabelFacet `json:"labels"`
}

// LabelFacet aggregates every detection of one normalized label.
type LabelFacet struct {
	Label         string   `json:"label"`
	Count         int      `json:"count"`
	MaxConfidence float64  `json:"max_confidence"`
	FirstFrame    int      `json:"first_frame"`
	LastFrame     int      `json:"last_frame"`
	Texts         []string `json:"texts,omitempty"`
}
