package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis runs one redis:7-alpine container for the calling test.
func startRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	require.NoError(t, rc.Ping(ctx))
	return rc
}

func TestRedisCache(t *testing.T) {
	rc := startRedis(t)
	ctx := context.Background()

	t.Run("miss returns not found", func(t *testing.T) {
		val, found, err := rc.Get(ctx, cache.ResultKey("never-processed"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})

	t.Run("result survives a round trip and can be invalidated", func(t *testing.T) {
		key := cache.ResultKey("clip-rt")
		url := "https://clips.example/clip-rt"
		stored := models.CachedResult{
			ID:      7,
			ClipID:  "clip-rt",
			ClipURL: &url,
			Results: models.DetectionResult{Frames: []models.FrameDetection{
				{Index: 0, Labels: []models.Label{{Name: "scoreboard", Confidence: 0.8, Text: "13-7"}}},
			}},
			ProcessingTimeSeconds: 12.5,
		}
		require.NoError(t, cache.SetJSON(ctx, rc, key, stored, cache.ResultTTL))

		var got models.CachedResult
		found, err := cache.GetJSON(ctx, rc, key, &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "clip-rt", got.ClipID)
		assert.Equal(t, url, *got.ClipURL)
		assert.Equal(t, "13-7", got.Results.Frames[0].Labels[0].Text)

		require.NoError(t, rc.Delete(ctx, key))
		found, err = cache.GetJSON(ctx, rc, key, &got)
		require.NoError(t, err)
		assert.False(t, found)

		// Deleting again is not an error.
		assert.NoError(t, rc.Delete(ctx, key))
	})

	t.Run("undecodable value reads as a miss", func(t *testing.T) {
		require.NoError(t, rc.Set(ctx, cache.AverageKey("clip"), []byte("{not json"), time.Minute))

		var avg float64
		found, err := cache.GetJSON(ctx, rc, cache.AverageKey("clip"), &avg)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("job snapshot", func(t *testing.T) {
		started := time.Now().UTC().Truncate(time.Millisecond)
		job := &models.Job{
			RequestID: uuid.New(),
			Kind:      models.WorkKindStream,
			WorkKey:   "shroud",
			Status:    models.JobStatusProcessing,
			StartedAt: &started,
			Params:    models.Parameters{NumFrames: 10, IncludeImage: true},
		}
		require.NoError(t, cache.StoreJob(ctx, rc, job))

		got, found, err := cache.LoadJob(ctx, rc, job.RequestID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, job.RequestID, got.RequestID)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.Equal(t, "shroud", got.WorkKey)
		assert.True(t, got.Params.IncludeImage)
		assert.True(t, started.Equal(*got.StartedAt))

		_, found, err = cache.LoadJob(ctx, rc, uuid.New())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("expired entries disappear", func(t *testing.T) {
		key := cache.ResultKey("short-lived")
		require.NoError(t, rc.Set(ctx, key, []byte(`{}`), time.Second))

		_, found, err := rc.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)

		assert.Eventually(t, func() bool {
			_, found, err := rc.Get(ctx, key)
			return err == nil && !found
		}, 3*time.Second, 100*time.Millisecond)
	})

	t.Run("window counter keeps its first expiry", func(t *testing.T) {
		key := cache.RateLimitKey("addr:" + uuid.NewString()[:8])

		for want := int64(1); want <= 3; want++ {
			n, err := rc.IncrWithExpiry(ctx, key, time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}

		// A later increment with a longer expiry must not extend the window.
		_, err := rc.IncrWithExpiry(ctx, key, time.Hour)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			n, err := rc.IncrWithExpiry(ctx, key, time.Second)
			return err == nil && n == 1
		}, 3*time.Second, 100*time.Millisecond)
	})
}

func TestKeyBuilders(t *testing.T) {
	requestID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"job status", cache.JobStatusKey(requestID), "job:22222222-2222-2222-2222-222222222222"},
		{"clip result", cache.ResultKey("AwkwardClip123"), "result:AwkwardClip123"},
		{"stream result", cache.ResultKey(models.ResultKey(models.WorkKindStream, "shroud")), "result:stream:shroud"},
		{"average", cache.AverageKey(string(models.WorkKindStream)), "avg:stream"},
		{"rate limit", cache.RateLimitKey("addr:10.0.0.1"), "ratelimit:addr:10.0.0.1"},
	}
	seen := make(map[string]bool)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
		assert.False(t, seen[tt.got], "key %q collides", tt.got)
		seen[tt.got] = true
	}
}
