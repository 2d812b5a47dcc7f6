package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Lifecycle(t *testing.T) {
	tests := []struct {
		status   JobStatus
		active   bool
		terminal bool
	}{
		{JobStatusPending, true, false},
		{JobStatusProcessing, true, false},
		{JobStatusCompleted, false, true},
		{JobStatusFailed, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.active, tt.status.Active())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestWorkKind_Valid(t *testing.T) {
	assert.True(t, WorkKindClip.Valid())
	assert.True(t, WorkKindStream.Valid())
	assert.False(t, WorkKind("podcast").Valid())
}

func TestDetectionResult_Empty(t *testing.T) {
	assert.True(t, DetectionResult{}.Empty())
	assert.True(t, DetectionResult{Error: "decode failed", Frames: []FrameDetection{{Labels: []Label{{Name: "x"}}}}}.Empty())
	assert.True(t, DetectionResult{Frames: []FrameDetection{{}, {}}}.Empty())
	assert.False(t, DetectionResult{Frames: []FrameDetection{{}, {Labels: []Label{{Name: "killfeed"}}}}}.Empty())
}

func TestDetectionResult_WithoutImage(t *testing.T) {
	r := DetectionResult{ImageRef: "s3://frames/a.png"}
	stripped := r.WithoutImage()
	assert.Empty(t, stripped.ImageRef)
	assert.Equal(t, "s3://frames/a.png", r.ImageRef)
}
