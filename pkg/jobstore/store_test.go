package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
)

// Both implementations feed the cancellation monitor.
var (
	_ cancel.Source = (*RedisStore)(nil)
	_ cancel.Source = (*MemoryStore)(nil)
	_ Store         = (*RedisStore)(nil)
	_ Store         = (*MemoryStore)(nil)
)

// setupTestRedis connects to a local Redis on DB 15 and skips when none is
// running. The integration suite covers Redis through testcontainers.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func newState(id string) *JobState {
	return &JobState{
		JobID:     id,
		Status:    StatusQueued,
		Category:  "invoice",
		StartTime: time.Now(),
	}
}

// runStoreContract exercises behaviour both stores must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		if err := store.Create(ctx, newState("job-1")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := store.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != StatusQueued {
			t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
		}
		if got.Category != "invoice" {
			t.Errorf("Category = %q, want invoice", got.Category)
		}
	})

	t.Run("create twice", func(t *testing.T) {
		err := store.Create(ctx, newState("job-1"))
		if !errors.Is(err, ErrJobExists) {
			t.Errorf("Create() error = %v, want ErrJobExists", err)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Get() error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		state, _ := store.Get(ctx, "job-1")
		state.Status = StatusProcessing
		state.Percent = 42.5
		state.CurrentStep = "Partition 1/2"
		if err := store.Save(ctx, state); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, _ := store.Get(ctx, "job-1")
		if got.Status != StatusProcessing || got.Percent != 42.5 || got.CurrentStep != "Partition 1/2" {
			t.Errorf("Get() after Save = %+v", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("UpdatedAt not set by Save")
		}
	})

	t.Run("cancel flag", func(t *testing.T) {
		requested, err := store.CancelRequested(ctx, "job-1")
		if err != nil || requested {
			t.Fatalf("CancelRequested() = %v, %v; want false, nil", requested, err)
		}
		if err := store.RequestCancel(ctx, "job-1"); err != nil {
			t.Fatalf("RequestCancel() error = %v", err)
		}
		requested, _ = store.CancelRequested(ctx, "job-1")
		if !requested {
			t.Error("CancelRequested() = false after RequestCancel")
		}
		if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("RequestCancel(missing) error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		before, err := store.LastHeartbeat(ctx, "job-1")
		if err != nil {
			t.Fatalf("LastHeartbeat() error = %v", err)
		}
		if before.IsZero() {
			t.Error("Create should record an initial heartbeat")
		}
		if err := store.Heartbeat(ctx, "job-1"); err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}
		after, _ := store.LastHeartbeat(ctx, "job-1")
		if after.Before(before) {
			t.Errorf("LastHeartbeat() went backwards: %v < %v", after, before)
		}
		if err := store.Heartbeat(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Heartbeat(missing) error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		if err := store.Create(ctx, newState("job-2")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		jobs, err := store.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(jobs) != 2 {
			t.Errorf("List() returned %d jobs, want 2", len(jobs))
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "job-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Get(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Get() after Delete error = %v, want ErrJobNotFound", err)
		}
		requested, _ := store.CancelRequested(ctx, "job-1")
		if requested {
			t.Error("cancel flag survived Delete")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore(time.Hour))
}

func TestRedisStore(t *testing.T) {
	client := setupTestRedis(t)
	runStoreContract(t, NewRedisStore(client, "test", time.Hour))
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "", 0)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(time.Minute)
	store.SetClock(func() time.Time { return now })

	if err := store.Create(ctx, newState("job-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now = now.Add(30 * time.Second)
	if _, err := store.Get(ctx, "job-1"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	store.Create(ctx, newState("job-1"))

	got, _ := store.Get(ctx, "job-1")
	got.Status = StatusFailed

	again, _ := store.Get(ctx, "job-1")
	if again.Status != StatusQueued {
		t.Errorf("stored Status = %q, want %q", again.Status, StatusQueued)
	}
}

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{"state", Key{JobID: "abc", Field: FieldState}, "taxcrawl:job:abc:state"},
		{"custom namespace", Key{Namespace: "test", JobID: "abc", Field: FieldCancel}, "test:job:abc:cancel"},
		{"no field", Key{JobID: "abc"}, "taxcrawl:job:abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobState_BinaryRoundTrip(t *testing.T) {
	in := &JobState{JobID: "x", Status: StatusCompleted, ManifestID: "m", Downloaded: 4, Skipped: 1}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	var out JobState
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if out.ManifestID != "m" || out.Downloaded != 4 || out.Skipped != 1 || out.Status != StatusCompleted {
		t.Errorf("round trip = %+v", out)
	}
}
