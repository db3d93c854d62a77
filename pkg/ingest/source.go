package ingest

import (
	"context"

	"pulsegate/pkg/domain"
)

// Source streams committed change events from the external data store.
//
// Run blocks, invoking handle once per event, until the context is
// cancelled or the stream is lost. A non-cancellation error is fatal to
// ingest: the caller must put the gateway into lockdown (fail closed)
// rather than keep accepting subscriptions it can no longer serve.
type Source interface {
	Run(ctx context.Context, handle func(context.Context, domain.ChangeEvent) error) error
}
