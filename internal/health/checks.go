package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/keyfetch"
)

// IssuerKeysCheck fails while any configured issuer has no usable keys in
// the cache.
func IssuerKeysCheck(fetcher *keyfetch.Fetcher, cache *keycache.Cache) CheckFunc {
	return func(context.Context) error {
		var missing []string
		now := time.Now()
		for _, iss := range fetcher.Issuers() {
			if entry, ok := cache.Peek(iss.Name); !ok || entry.Expired(now) {
				missing = append(missing, iss.Name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("no keys for issuers: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// RedisCheck pings the shared key cache.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
