package estimator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// Dialer opens an FTPS connection to a printer's file server. It is
// passed to NewClient, so tests can substitute a fake.
type Dialer func(printerIP, accessCode string) (FileLister, error)

// Client is the Estimator Client: maybe_schedule fires a best-effort
// background estimate job; get_cached reads whatever Cache currently
// holds for job_key. The singleflight group guarantees at most one
// in-flight FTP round trip per job_key even under concurrent callers.
type Client struct {
	cache  *Cache
	dial   Dialer
	logger zerolog.Logger
	group  singleflight.Group
}

func NewClient(cache *Cache, dial Dialer, logger zerolog.Logger) *Client {
	if dial == nil {
		dial = DialPrinter
	}
	return &Client{
		cache:  cache,
		dial:   dial,
		logger: logger.With().Str("component", "estimator_client").Logger(),
	}
}

// GetCached returns the cached Estimate for jobKey, if any.
func (c *Client) GetCached(ctx context.Context, jobKey string) (Estimate, bool) {
	return c.cache.Get(ctx, jobKey)
}

// MaybeSchedule starts a background estimate for jobKey unless one is
// already cached or already in flight. It never blocks the caller.
func (c *Client) MaybeSchedule(jobKey, printerIP, accessCode, subtaskName, gcodeFileHint string) {
	if _, cached := c.cache.Get(context.Background(), jobKey); cached {
		return
	}
	go func() {
		_, _, _ = c.group.Do(jobKey, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			est := c.run(ctx, printerIP, accessCode, subtaskName, gcodeFileHint)
			c.cache.Set(ctx, jobKey, est)
			return est, nil
		})
	}()
}

func (c *Client) run(_ context.Context, printerIP, accessCode, subtaskName, gcodeFileHint string) Estimate {
	conn, err := c.dial(printerIP, accessCode)
	if err != nil {
		return failedEstimate(err)
	}
	defer conn.Quit()

	candidates, err := listCandidates(conn)
	if err != nil {
		return failedEstimate(err)
	}
	if len(candidates) == 0 {
		return failedEstimate(fmt.Errorf("no .gcode.3mf candidates on printer"))
	}

	names := make([]string, len(candidates))
	for i, e := range candidates {
		names[i] = e.Name
	}
	chosen := bestMatch(names, subtaskName)

	raw, err := download(conn, chosen)
	if err != nil {
		return failedEstimate(err)
	}

	est, err := parseArchive(raw, gcodeFileHint)
	if err != nil {
		return failedEstimate(err)
	}
	est.Confidence = model.ConfidenceHigh
	if est.TotalG == 0 {
		est.Confidence = model.ConfidenceMedium
	}
	return est
}

// failedEstimate caches a low-confidence empty result on failure, per
// the contract: never hammer the printer's file server on repeated
// errors within the cache TTL.
func failedEstimate(err error) Estimate {
	return Estimate{
		Source:     "gcode_3mf",
		Confidence: model.ConfidenceLow,
		Error:      err.Error(),
	}
}
