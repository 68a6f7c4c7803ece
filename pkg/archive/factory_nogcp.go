//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	_ = ctx
	_ = cfg
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
