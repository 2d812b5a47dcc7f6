package detector

import (
	"fmt"

	"github.com/kiranshivaraju/framequeue/internal/config"
	"github.com/kiranshivaraju/framequeue/internal/detector/mock"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// NewDetector constructs the configured detector. Called once at server startup.
func NewDetector(cfg config.DetectorConfig) (models.Detector, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPClient(cfg.BaseURL, cfg.Timeout, cfg.MaxRetries), nil
	case "mock":
		return mock.NewSlowDetector(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unknown detector provider %q: must be one of http, mock", cfg.Provider)
	}
}
