//go:build !gcp

package bundle

import (
	"context"
	"fmt"
)

// NewGCSSink is unavailable without the gcp build tag; selecting the gcs
// archive backend in such a build fails loudly at startup.
func NewGCSSink(_ context.Context, _, _ string) (Sink, error) {
	return nil, fmt.Errorf("bundle: gcs sink not enabled in this build (use -tags gcp)")
}
