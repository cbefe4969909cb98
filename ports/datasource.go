package ports

import (
	"context"

	"phaselock/domain/run"
	"phaselock/domain/skymap"
)

// MapSource materializes the map described by a data source descriptor
type MapSource interface {
	Load(ctx context.Context, ds run.DataSource, seed int64) (*skymap.Map, error)
}
