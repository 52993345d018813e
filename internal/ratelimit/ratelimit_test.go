package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptReply struct {
	val []interface{}
	err error
}

type fakeScripter struct {
	redis.Scripter
	replies []scriptReply
	keys    []string
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	f.keys = append(f.keys, keys...)
	cmd := redis.NewCmd(ctx)
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if reply.err != nil {
		cmd.SetErr(reply.err)
		return cmd
	}
	cmd.SetVal(reply.val)
	return cmd
}

func bucketWith(replies ...scriptReply) (*TokenBucket, *fakeScripter) {
	fake := &fakeScripter{replies: replies}
	return &TokenBucket{client: fake, script: redis.NewScript(tokenBucketScript)}, fake
}

func TestTokenBucketRejectsBadArguments(t *testing.T) {
	var nilBucket *TokenBucket
	_, err := nilBucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)

	bucket, _ := bucketWith(scriptReply{val: []interface{}{int64(1), "0", int64(0)}})
	_, err = bucket.Allow(context.Background(), "", 1, 1)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRate)
	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestTokenBucketDecisions(t *testing.T) {
	bucket, _ := bucketWith(
		scriptReply{val: []interface{}{int64(1), "4.5", int64(1_700_000_000_000)}},
		scriptReply{val: []interface{}{int64(0), "0.5", int64(1_700_000_000_000)}},
	)

	allowed, err := bucket.Allow(context.Background(), "k", 2, 5)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, 4, allowed.Remaining)
	assert.Equal(t, 5, allowed.Limit)
	assert.Zero(t, allowed.RetryAfter)

	denied, err := bucket.Allow(context.Background(), "k", 2, 5)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 250*time.Millisecond, denied.RetryAfter)
	assert.Equal(t, time.UnixMilli(1_700_000_000_250), denied.ResetAt)
}

func TestDecideRejectsShortReply(t *testing.T) {
	_, err := decide([]interface{}{int64(1)}, 1, 1)
	assert.Error(t, err)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(2, 10))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 1))
}

func TestNilLockerRunsUnguarded(t *testing.T) {
	var locker *Locker
	assert.False(t, locker.Enabled())

	ran := false
	err := locker.WithLock(context.Background(), "task:reconcile", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, locker.Release(context.Background(), "task:reconcile", "token"))
}

func TestWebhookLimiterDisabledAllowsAll(t *testing.T) {
	limiter := NewWebhookLimiter(WebhookParams{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 1, WebhookBurst: 1}},
		Log:    zap.NewNop(),
	})
	assert.False(t, limiter.Enabled())
	assert.True(t, limiter.Allow(context.Background(), "paymaya", "10.0.0.1").Allowed)
}

func TestWebhookLimiterKeysAndFailsOpen(t *testing.T) {
	bucket, fake := bucketWith(
		scriptReply{val: []interface{}{int64(0), "0", int64(0)}},
		scriptReply{err: errors.New("connection refused")},
	)
	limiter := &WebhookLimiter{enabled: true, bucket: bucket, rate: 1, burst: 3, log: zap.NewNop()}

	assert.False(t, limiter.Allow(context.Background(), " PayMaya ", "10.0.0.1").Allowed)
	assert.Equal(t, []string{"careledger:webhook:paymaya:10.0.0.1"}, fake.keys)

	decision := limiter.Allow(context.Background(), "paymaya", "10.0.0.1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, 3, decision.Limit)
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	assert.Nil(t, NewRedisClient(config.Config{}))
	client := NewRedisClient(config.Config{Redis: config.RedisConfig{Addr: "localhost:6379"}})
	require.NotNil(t, client)
	assert.NoError(t, client.Close())
}
