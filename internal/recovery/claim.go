package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// Claimer decides which instance recovers a job.
type Claimer interface {
	// Claim returns true when this instance owns the job's recovery.
	Claim(ctx context.Context, id types.JobID) (bool, error)
	// Release gives up a claim this instance holds.
	Release(ctx context.Context, id types.JobID) error
}

// NoopClaimer grants every claim. It fits a single-instance deployment,
// where timers cannot outlive the process that armed them.
type NoopClaimer struct{}

func (NoopClaimer) Claim(context.Context, types.JobID) (bool, error) { return true, nil }
func (NoopClaimer) Release(context.Context, types.JobID) error      { return nil }

const defaultClaimPrefix = "deployer:recovery:"

// releaseScript deletes the key only while it still holds our owner id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer leases jobs with SET NX PX so only one instance re-arms a
// given job. A lease held by this instance is granted again.
type RedisClaimer struct {
	rdb    redis.UniversalClient
	owner  string
	ttl    time.Duration
	prefix string
}

// NewRedisClaimer returns a claimer with a fresh owner id.
func NewRedisClaimer(rdb redis.UniversalClient, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisClaimer{
		rdb:    rdb,
		owner:  uuid.NewString(),
		ttl:    ttl,
		prefix: defaultClaimPrefix,
	}
}

// Owner is this instance's lease value.
func (c *RedisClaimer) Owner() string {
	return c.owner
}

func (c *RedisClaimer) key(id types.JobID) string {
	return c.prefix + id.String()
}

// Claim takes the lease for id.
func (c *RedisClaimer) Claim(ctx context.Context, id types.JobID) (bool, error) {
	key := c.key(id)
	ok, err := c.rdb.SetNX(ctx, key, c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	holder, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; the next recovery run retries
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claim %s: %w", key, err)
	}
	return holder == c.owner, nil
}

// Release drops the lease if this instance still holds it.
func (c *RedisClaimer) Release(ctx context.Context, id types.JobID) error {
	key := c.key(id)
	if err := releaseScript.Run(ctx, c.rdb, []string{key}, c.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
