package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

type cachedProvider struct {
	passthrough
	store  ports.CacheStore
	ttl    time.Duration
	logger *slog.Logger
}

// CacheMiddleware serves identical requests from store. Only successful
// results are cached; a hit is returned with Cached set and zero cost.
// Store failures never fail the call.
func CacheMiddleware(store ports.CacheStore, ttl time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Provider) Provider {
		return &cachedProvider{passthrough: passthrough{next: next}, store: store, ttl: ttl, logger: logger}
	}
}

// Analyze consults the cache before calling the wrapped provider.
func (c *cachedProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	key := CacheKey(c.Name(), c.Model(), req)

	if raw, ok, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("oracle cache read failed", "key", key, "error", err)
	} else if ok {
		var res ports.OracleResult
		if err := json.Unmarshal(raw, &res); err == nil {
			res.Cached = true
			res.Usage.CostUSD = 0
			res.Elapsed = 0
			c.logger.Debug("oracle cache hit", "key", key)
			return res, nil
		}
		c.logger.Warn("discarding corrupt oracle cache entry", "key", key)
		_ = c.store.Delete(ctx, key)
	}

	res, err := c.next.Analyze(ctx, req)
	if err != nil || !res.Success {
		return res, err
	}

	raw, mErr := json.Marshal(res)
	if mErr == nil {
		mErr = c.store.Set(ctx, key, raw, c.ttl)
	}
	if mErr != nil {
		c.logger.Warn("oracle cache write failed", "key", key, "error", mErr)
	}
	return res, nil
}

// CacheKey hashes everything that can change a reply.
func CacheKey(provider, model string, req domain.OracleRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00", provider, model, req.Mode, req.System, req.Prompt)
	if req.Temperature != nil {
		fmt.Fprintf(h, "t=%g\x00", *req.Temperature)
	}
	for _, img := range req.Images() {
		sum := sha256.Sum256(img.Data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
