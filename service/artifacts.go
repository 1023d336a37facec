package service

import (
	"context"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/circuits"
	"golang.org/x/sync/errgroup"
)

// LoadArtifacts loads, and downloads when missing, all the artifacts
// concurrently.
func LoadArtifacts(ctx context.Context, timeout time.Duration, artifacts ...*circuits.Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		g.Go(func() error {
			return a.Load(ctx)
		})
	}
	return g.Wait()
}
