package imageio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrNoImages is returned when there is nothing to ingest.
var ErrNoImages = errors.New("imageio: no image entries")

// ByteFetcher retrieves the bytes behind a URL.
type ByteFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Ingester turns image entries (URLs or base64 strings) into decoded images.
type Ingester struct {
	fetcher     ByteFetcher
	maxParallel int
}

// NewIngester creates an Ingester. maxParallel bounds concurrent fetches and
// decodes; values below 1 mean 4.
func NewIngester(fetcher ByteFetcher, maxParallel int) *Ingester {
	if maxParallel < 1 {
		maxParallel = 4
	}
	return &Ingester{fetcher: fetcher, maxParallel: maxParallel}
}

// Read resolves every entry and decodes it. The returned slice has the same
// order as entries. The first failure cancels the remaining work and fails the
// whole call; no partial result is returned.
func (in *Ingester) Read(ctx context.Context, entries []string) ([]image.Image, error) {
	if len(entries) == 0 {
		return nil, ErrNoImages
	}

	images := make([]image.Image, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.maxParallel)

	for i, entry := range entries {
		g.Go(func() error {
			img, err := in.readOne(gctx, entry)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			images[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (in *Ingester) readOne(ctx context.Context, entry string) (image.Image, error) {
	var (
		data []byte
		err  error
	)
	if IsURL(entry) {
		if in.fetcher == nil {
			return nil, fmt.Errorf("%w: no fetcher configured", ErrFetchFailed)
		}
		data, err = in.fetcher.Fetch(ctx, strings.TrimSpace(entry))
	} else {
		data, err = DecodeBase64(entry)
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
