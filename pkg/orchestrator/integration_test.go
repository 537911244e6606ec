//go:build integration

package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"

	"github.com/phuongtri1909/tool-gotax-sub000/internal/catalog"
	"github.com/phuongtri1909/tool-gotax-sub000/internal/testutil"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	return host + ":" + port.Port()
}

func openBucket(t *testing.T, dir string) *blob.Bucket {
	t.Helper()
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dir), RawQuery: "create_dir=true"}
	b, err := blob.OpenBucket(context.Background(), u.String())
	if err != nil {
		t.Fatalf("open bucket %s: %v", u.String(), err)
	}
	return b
}

// durableRegistry wires Redis, file buckets and the SQLite catalog the way
// the serve command does.
func durableRegistry(t *testing.T, baseURL, redisAddr string) *Registry {
	t.Helper()
	reg := newTestRegistry(t, baseURL)

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	store := jobstore.NewRedisStore(client, "it", time.Hour)
	reg.Store = store
	reg.OnClose(store.Close)

	dir := t.TempDir()
	reg.Staging = openBucket(t, filepath.Join(dir, "staging"))
	reg.OnClose(reg.Staging.Close)
	reg.Bundles = openBucket(t, filepath.Join(dir, "bundles"))
	reg.OnClose(reg.Bundles.Close)

	index, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	reg.Index = index
	reg.OnClose(index.Close)
	return reg
}

func TestIntegration_JobWithRedisAndFileStorage(t *testing.T) {
	addr := setupRedis(t)
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetListing(invoiceList, [][]map[string]any{
		{invoice(1), invoice(2)},
		{invoice(3)},
	})
	mock.SetResponse(invoiceExport, testutil.PDF())

	reg := durableRegistry(t, mock.URL(), addr)
	job, err := reg.NewJob(context.Background(), januaryRequest())
	if err != nil {
		t.Fatal(err)
	}
	state, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != jobstore.StatusCompleted || state.Downloaded != 3 {
		t.Fatalf("state = %s downloaded=%d (%s)", state.Status, state.Downloaded, state.Error)
	}

	stored, err := reg.Store.Get(context.Background(), job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != jobstore.StatusCompleted || stored.ManifestID != state.ManifestID {
		t.Errorf("stored = %+v", stored)
	}

	m, err := reg.Index.Get(context.Background(), state.ManifestID)
	if err != nil {
		t.Fatalf("catalog Get() error = %v", err)
	}
	if len(m.Files) != 3 {
		t.Errorf("indexed files = %d, want 3", len(m.Files))
	}

	r, size, err := reg.Archiver().Open(context.Background(), m.Bundles[0].Key)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if size != m.Bundles[0].Bytes {
		t.Errorf("bundle size = %d, want %d", size, m.Bundles[0].Bytes)
	}
}

// The cancel flag is set through a second Redis connection, as the API
// process would.
func TestIntegration_CancelFromOtherProcess(t *testing.T) {
	addr := setupRedis(t)
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetListing(invoiceList, [][]map[string]any{{invoice(1), invoice(2), invoice(3), invoice(4)}})

	reg := durableRegistry(t, mock.URL(), addr)
	job, err := reg.NewJob(context.Background(), januaryRequest())
	if err != nil {
		t.Fatal(err)
	}

	callerClient := redis.NewClient(&redis.Options{Addr: addr})
	defer callerClient.Close()
	caller := jobstore.NewRedisStore(callerClient, "it", time.Hour)

	var exports atomic.Int32
	mock.SetHandler(invoiceExport, func(w http.ResponseWriter, r *http.Request) {
		if exports.Add(1) == 1 {
			if err := caller.RequestCancel(context.Background(), job.ID()); err != nil {
				t.Errorf("RequestCancel() error = %v", err)
			}
		}
		testutil.PDF().Write(w)
	})

	state, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != jobstore.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", state.Status)
	}
	if got := exports.Load(); got != 1 {
		t.Errorf("exports = %d, want 1", got)
	}

	seen, err := caller.Get(context.Background(), job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if seen.Status != jobstore.StatusCancelled || !seen.Partial {
		t.Errorf("caller view = %s partial=%v", seen.Status, seen.Partial)
	}
}
