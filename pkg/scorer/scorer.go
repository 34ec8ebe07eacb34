// pkg/scorer/scorer.go
package scorer

import (
	"context"
	"fmt"

	"github.com/ironveil/hostwatch/pkg/event"
)

// ErrResultCountMismatch is returned when the scoring service responds with a
// different number of results than events submitted. A malformed response is
// treated as a batch-level transport failure.
var ErrResultCountMismatch = fmt.Errorf("scorer returned wrong result count")

// Scorer is the request/response contract to the external detection service.
// The response carries one verdict per submitted event, in submission order.
// Transport errors apply to the whole batch, never per event.
type Scorer interface {
	Score(ctx context.Context, batch *event.DetectionBatch) ([]event.DetectionResult, error)
}
