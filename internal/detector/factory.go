// Package detector builds the feature detectors tiles are sent to.
package detector

import (
	"fmt"

	"github.com/kiranshivaraju/tileflow/internal/config"
	"github.com/kiranshivaraju/tileflow/internal/detector/mock"
	"github.com/kiranshivaraju/tileflow/pkg/models"
)

// NewFactory constructs the DetectorFactory selected by config. Called once at
// startup. write receives async results of the mock provider.
func NewFactory(cfg config.DetectorConfig, write mock.OutputWriter) (models.DetectorFactory, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPFactory(cfg.Timeout), nil
	case "mock":
		return mock.NewFactory(write), nil
	default:
		return nil, fmt.Errorf("unknown detector provider %q: must be one of http, mock", cfg.Provider)
	}
}
