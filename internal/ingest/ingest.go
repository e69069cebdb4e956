// Package ingest converts batches of images from local paths or http(s)
// URLs, deduplicates them by conversion key, and stores the encoded text in
// the blob store and catalog.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Jesssullivan/pixtext/internal/catalog"
	"github.com/Jesssullivan/pixtext/internal/convert"
	"github.com/Jesssullivan/pixtext/internal/logs"
	"github.com/Jesssullivan/pixtext/internal/store"
	"golang.org/x/time/rate"
)

// MaxSourceBytes caps a single downloaded or uploaded image.
const MaxSourceBytes = 32 << 20

const maxRetries = 3

// Ingester converts images and records the results.
type Ingester struct {
	cat   *catalog.DB
	blobs *store.Store
	opts  convert.Options
	hc    *http.Client

	downloadLimiter *rate.Limiter // 10 req/sec for remote sources
}

// New creates an Ingester that converts with opts.
func New(cat *catalog.DB, blobs *store.Store, opts convert.Options) *Ingester {
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = MaxSourceBytes
	}
	return &Ingester{
		cat:   cat,
		blobs: blobs,
		opts:  opts,
		hc: &http.Client{
			Timeout: 30 * time.Second,
		},
		downloadLimiter: rate.NewLimiter(rate.Limit(10), 3),
	}
}

// Options returns the conversion options in use.
func (ing *Ingester) Options() convert.Options {
	return ing.opts
}

// Run converts every source and returns the count of new conversions.
// Failures are logged per source and do not stop the batch.
func (ing *Ingester) Run(ctx context.Context, sources []string) (int, error) {
	var total int
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		data, err := ing.load(ctx, src)
		if err != nil {
			log.Printf("ingest: load %s: %v", src, err)
			continue
		}
		_, created, err := ing.Process(ctx, src, data, ing.opts)
		if err != nil {
			log.Printf("ingest: process %s: %v", src, err)
			continue
		}
		if created {
			total++
		}
	}
	return total, nil
}

// Process converts data unless the same conversion is already cataloged.
// It returns the catalog row and whether it was newly created.
func (ing *Ingester) Process(ctx context.Context, source string, data []byte, opts convert.Options) (*catalog.Conversion, bool, error) {
	key := convert.Key(data, opts)

	if c, err := ing.cat.Get(key); err == nil && ing.blobs.Has(key) {
		logs.V("ingest: %s already converted as %s", source, key)
		return c, false, nil
	}

	res, err := convert.ConvertBytes(ctx, data, opts)
	if err != nil {
		return nil, false, err
	}

	stored, err := ing.blobs.Put(key, res.Text)
	if err != nil {
		return nil, false, err
	}

	c := &catalog.Conversion{
		Hash:        key,
		Source:      source,
		Format:      res.Format,
		SrcWidth:    res.Source.Width,
		SrcHeight:   res.Source.Height,
		Width:       res.Target.Width,
		Height:      res.Target.Height,
		Factor:      float64(res.Factor),
		Budget:      opts.Plan.Budget,
		TextBytes:   int64(len(res.Text)),
		StoredBytes: stored,
		Filename:    store.Filename(key),
	}
	// A stale row without a blob is replaced.
	if err := ing.cat.Delete(key); err != nil {
		return nil, false, err
	}
	if _, err := ing.cat.Insert(c); err != nil {
		ing.blobs.Delete(key) // Clean up on catalog failure.
		return nil, false, err
	}
	return c, true, nil
}

func (ing *Ingester) load(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		if err := ing.downloadLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		return ing.downloadImage(ctx, src)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLimited(f, ing.opts.MaxSourceBytes)
}

// downloadImage fetches an image with retry and backoff.
func (ing *Ingester) downloadImage(ctx context.Context, srcURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffDuration(attempt)
			logs.V("ingest: %s retry %d after %v", srcURL, attempt, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			// Re-acquire rate limit token on retry.
			if err := ing.downloadLimiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
		if err != nil {
			return nil, err // Not retryable.
		}

		resp, err := ing.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("download %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download %d", resp.StatusCode)
		}

		data, err := readLimited(resp.Body, ing.opts.MaxSourceBytes)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("source larger than %d bytes", limit)
	}
	return data, nil
}

// backoffDuration returns exponential backoff with jitter.
func backoffDuration(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond // 500ms, 1s
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}
