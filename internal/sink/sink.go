package sink

import (
	"context"

	"github.com/galois26/legisync/internal/model"
)

// Sink receives a complete normalized snapshot.
type Sink interface {
	Name() string
	Push(ctx context.Context, records []model.Record) error
}
