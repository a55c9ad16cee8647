package source

import (
	"fmt"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/service"
)

// New maps a vendor name to its adapter constructor. The closed set of
// vendors is resolved once at startup; callers hold the DataSource
// interface afterwards.
func New(name string, reg *config.Registry) (service.DataSource, error) {
	switch name {
	case "tushare":
		return NewTuShare(reg)
	case "goldminer":
		return NewGoldMiner(reg)
	case "csv":
		return NewCSV(reg.Credentials("csv").BaseURL)
	case "fixture":
		return NewFixture(), nil
	}
	return nil, fmt.Errorf("%w: unknown vendor %q", ErrInvalidArgument, name)
}
