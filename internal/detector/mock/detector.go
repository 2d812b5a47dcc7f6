package mock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// MockDetector satisfies models.Detector for testing.
type MockDetector struct {
	Name_      string
	DetectFunc func(ctx context.Context, req models.DetectionRequest) (models.DetectionResult, error)

	calls atomic.Int64
}

func (m *MockDetector) Name() string { return m.Name_ }

func (m *MockDetector) Detect(ctx context.Context, req models.DetectionRequest) (models.DetectionResult, error) {
	m.calls.Add(1)
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, req)
	}
	return models.DetectionResult{}, nil
}

// Calls returns how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	return int(m.calls.Load())
}

// SampleResult is a plausible two-frame detection for req.
func SampleResult(req models.DetectionRequest) models.DetectionResult {
	ref := ""
	if req.Params.IncludeImage {
		ref = "mock://frames/" + req.RequestID + ".png"
	}
	return models.DetectionResult{
		ImageRef: ref,
		Frames: []models.FrameDetection{
			{Index: 0, Timestamp: 0, Labels: []models.Label{
				{Name: "Killfeed", Confidence: 0.91, Text: "ace"},
			}},
			{Index: 1, Timestamp: 500 * time.Millisecond, Labels: []models.Label{
				{Name: "killfeed", Confidence: 0.87, Text: "ace"},
				{Name: "scoreboard", Confidence: 0.66, Text: "13-7"},
			}},
		},
	}
}

// NewMockDetector returns a MockDetector that succeeds immediately with SampleResult.
func NewMockDetector() *MockDetector {
	return &MockDetector{
		Name_: "mock",
		DetectFunc: func(_ context.Context, req models.DetectionRequest) (models.DetectionResult, error) {
			return SampleResult(req), nil
		},
	}
}

// NewSlowDetector returns a MockDetector that takes delay per call, for local runs.
func NewSlowDetector(delay time.Duration) *MockDetector {
	return &MockDetector{
		Name_: "mock",
		DetectFunc: func(ctx context.Context, req models.DetectionRequest) (models.DetectionResult, error) {
			select {
			case <-time.After(delay):
				return SampleResult(req), nil
			case <-ctx.Done():
				return models.DetectionResult{}, ctx.Err()
			}
		},
	}
}

// NewFailingDetector returns a MockDetector that always returns the given error.
func NewFailingDetector(err error) *MockDetector {
	return &MockDetector{
		Name_: "mock-failing",
		DetectFunc: func(_ context.Context, _ models.DetectionRequest) (models.DetectionResult, error) {
			return models.DetectionResult{}, err
		},
	}
}

// NewEmptyDetector returns a MockDetector that reports success with nothing recognised.
func NewEmptyDetector() *MockDetector {
	return &MockDetector{
		Name_: "mock-empty",
		DetectFunc: func(_ context.Context, _ models.DetectionRequest) (models.DetectionResult, error) {
			return models.DetectionResult{Frames: []models.FrameDetection{{Index: 0}}}, nil
		},
	}
}

// NewBlockingDetector returns a MockDetector that blocks until its context is cancelled.
// started receives the request id each time a call begins.
func NewBlockingDetector(started chan<- string) *MockDetector {
	return &MockDetector{
		Name_: "mock-blocking",
		DetectFunc: func(ctx context.Context, req models.DetectionRequest) (models.DetectionResult, error) {
			if started != nil {
				started <- req.RequestID
			}
			<-ctx.Done()
			return models.DetectionResult{}, errors.Join(errors.New("detect interrupted"), ctx.Err())
		},
	}
}

// Compile-time check that MockDetector implements Detector.
var _ models.Detector = (*MockDetector)(nil)
