// Package models contains shared data models used across the framequeue codebase.
package models

import (
	"context"
	"time"
)

// Detector is the recognition pipeline. The queue treats it as an opaque, slow and
// fallible function; never call a concrete detector directly, inject this interface.
type Detector interface {
	// Detect extracts frames for the requested work and runs recognition on them.
	Detect(ctx context.Context, req DetectionRequest) (DetectionResult, error)
	// Name returns the detector identifier (e.g., "http", "mock").
	Name() string
}

// DetectionRequest is the input to one detector invocation.
type DetectionRequest struct {
	RequestID string     `json:"request_id"`
	Kind      WorkKind   `json:"request_type"`
	WorkKey   string     `json:"work_key"`
	ClipURL   string     `json:"clip_url,omitempty"`
	Params    Parameters `json:"parameters"`
}

// DetectionResult is the detector payload persisted as clip_results.results.
type DetectionResult struct {
	Frames   []FrameDetection `json:"frames"`
	ImageRef string           `json:"image_ref,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// FrameDetection holds everything recognised in one sampled frame.
type FrameDetection struct {
	Index     int           `json:"index"`
	Timestamp time.Duration `json:"timestamp_ns"`
	Labels    []Label       `json:"labels"`
}

// Label is a single template match or OCR hit.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text,omitempty"`
}

// Empty reports whether the detector produced nothing usable: an error-shaped
// payload or no label in any frame.
func (r DetectionResult) Empty() bool {
	if r.Error != "" {
		return true
	}
	for _, f := range r.Frames {
		if len(f.Labels) > 0 {
			return false
		}
	}
	return true
}

// WithoutImage returns a copy with the transient image reference removed.
func (r DetectionResult) WithoutImage() DetectionResult {
	r.ImageRef = ""
	return r
}
