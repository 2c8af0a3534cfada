// Command status-cleanup prunes stale entries from the Redis session status hash.
// Session state lives in gateway memory, so a crashed or redeployed gateway leaves its
// last published statuses behind; this removes entries not updated within --max-age.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/adapter/redis"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const scanCount = 100

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		maxAge   = flag.Duration("max-age", 24*time.Hour, "Remove statuses not updated within this window")
		dryRun   = flag.Bool("dry-run", false, "Dry run mode (don't write to Redis)")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, *redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(*redisURL))

	cutoff := time.Now().Add(-*maxAge)
	summary, err := pruneStatuses(ctx, rdb, cutoff, *dryRun)
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	slog.Info("Cleanup complete",
		"scanned", summary.scanned,
		"removed", summary.removed,
		"kept", summary.kept,
		"dry_run", *dryRun)
}

type pruneSummary struct {
	scanned, removed, kept int
}

// pruneStatuses deletes every status last updated before cutoff. Entries that do not
// decode are treated as stale.
func pruneStatuses(ctx context.Context, rdb *goredis.Client, cutoff time.Time, dryRun bool) (pruneSummary, error) {
	var summary pruneSummary
	var cursor uint64

	for {
		fields, next, err := rdb.HScan(ctx, redis.StatusKey, cursor, "*", scanCount).Result()
		if err != nil {
			return summary, fmt.Errorf("hscan failed: %w", err)
		}

		// HSCAN returns alternating field, value pairs.
		var stale []string
		for i := 0; i+1 < len(fields); i += 2 {
			userID, raw := fields[i], fields[i+1]
			summary.scanned++

			if !isStale(raw, cutoff) {
				summary.kept++
				continue
			}
			slog.Debug("Stale session status", "user_id", userID)
			stale = append(stale, userID)
		}

		if len(stale) > 0 && !dryRun {
			if err := rdb.HDel(ctx, redis.StatusKey, stale...).Err(); err != nil {
				return summary, fmt.Errorf("hdel failed: %w", err)
			}
		}
		summary.removed += len(stale)

		cursor = next
		if cursor == 0 {
			return summary, nil
		}
	}
}

func isStale(raw string, cutoff time.Time) bool {
	var status domain.SessionStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return true
	}
	return status.UpdatedAt.Before(cutoff)
}

// sanitizeURL hides the password in a Redis URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
