// Package geocode resolves coordinates to a coarse human-readable region name
// via a Nominatim-compatible reverse-geocoding API, cached in Redis.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "geo:region:"

// Resolver performs cached reverse geocoding. Every failure degrades to an
// empty region; callers never see an error from a lookup.
type Resolver struct {
	baseURL   string
	userAgent string
	cacheTTL  time.Duration
	http      *http.Client
	rdb       redis.Cmdable
	logger    *zap.Logger
}

// NewResolver creates a reverse-geocoding resolver.
func NewResolver(baseURL, userAgent string, timeout, cacheTTL time.Duration, rdb redis.Cmdable, logger *zap.Logger) *Resolver {
	return &Resolver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		cacheTTL:  cacheTTL,
		http:      &http.Client{Timeout: timeout},
		rdb:       rdb,
		logger:    logger,
	}
}

func cacheKey(lat, lng float64) string {
	// Rounded to ~11m so nearby lookups share an entry.
	return fmt.Sprintf("%s%.4f:%.4f", cacheKeyPrefix, lat, lng)
}

// address is the subset of the Nominatim response we read. Field priority
// follows what produces a usable district-level name in practice.
type address struct {
	CityDistrict string `json:"city_district"`
	Borough      string `json:"borough"`
	County       string `json:"county"`
	City         string `json:"city"`
	Town         string `json:"town"`
	Suburb       string `json:"suburb"`
}

func (a address) region() string {
	for _, v := range []string{a.CityDistrict, a.Borough, a.County, a.City, a.Town, a.Suburb} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Region returns a region name for the coordinates, or "" when unknown.
func (r *Resolver) Region(ctx context.Context, lat, lng float64) string {
	key := cacheKey(lat, lng)
	if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
		return cached
	} else if err != redis.Nil {
		r.logger.Warn("geocode cache read failed", zap.Error(err))
	}

	region := r.lookup(ctx, lat, lng)
	if region != "" {
		if err := r.rdb.Set(ctx, key, region, r.cacheTTL).Err(); err != nil {
			r.logger.Warn("geocode cache write failed", zap.Error(err))
		}
	}
	return region
}

func (r *Resolver) lookup(ctx context.Context, lat, lng float64) string {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lng))
	q.Set("zoom", "12") // district level, not street level
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("reverse geocode request failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var body struct {
		Address address `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Address.region()
}
