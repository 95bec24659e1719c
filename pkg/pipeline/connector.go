package pipeline

import (
	"context"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// Connector adapts one connected data source to the pipeline. Discover
// enumerates everything the source holds about a subject; Erase removes
// it and reports how many records were deleted.
type Connector interface {
	Name() string
	Discover(ctx context.Context, subjectEmail string) ([]contracts.Record, error)
	Erase(ctx context.Context, subjectEmail string) (int, error)
}
