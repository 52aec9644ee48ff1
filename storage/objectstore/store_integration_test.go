//go:build integration

package objectstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/natsclient"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/storage/objectstore"
	"github.com/c360/bufferlink/storage/storagetest"
)

// One container for the package; starting NATS per test exhausts Docker quickly.
var sharedServer *natsclient.TestServer

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		srv, err := natsclient.StartTestServer(context.Background(), natsclient.TestServerConfig{
			JetStream:    true,
			StartTimeout: 30 * time.Second,
		})
		if err != nil {
			panic("start shared NATS: " + err.Error())
		}
		sharedServer = srv
	}
	code := m.Run()
	if sharedServer != nil {
		sharedServer.Stop()
	}
	os.Exit(code)
}

func getSharedNATSClient(t *testing.T) *natsclient.Client {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedServer, "TestMain should have started NATS")
	return sharedServer.Client
}

func newStore(t *testing.T, registry *metric.MetricsRegistry) *objectstore.Store {
	client := getSharedNATSClient(t)
	cfg := objectstore.DefaultConfig()
	cfg.Bucket = "TEST_" + uuid.NewString()[:8]
	s, err := objectstore.New(context.Background(), cfg, objectstore.Deps{Client: client, Registry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

func TestIntegration_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newStore(t, nil) })
}

func TestIntegration_ReopenResumesChunkIndex(t *testing.T) {
	client := getSharedNATSClient(t)
	ctx := context.Background()
	cfg := objectstore.DefaultConfig()
	cfg.Bucket = "TEST_" + uuid.NewString()[:8]
	key := storage.RegionKey{Core: machine.Core{X: 1, P: 2}, Region: 0}

	first, err := objectstore.New(ctx, cfg, objectstore.Deps{Client: client})
	require.NoError(t, err)
	require.NoError(t, first.Region(key).Append(ctx, []byte("ab")))

	second, err := objectstore.New(ctx, cfg, objectstore.Deps{Client: client})
	require.NoError(t, err)
	defer second.Destroy()
	require.NoError(t, second.Region(key).Append(ctx, []byte("cd")))

	got, err := second.Region(key).Bytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestIntegration_DestroyRemovesBucket(t *testing.T) {
	client := getSharedNATSClient(t)
	ctx := context.Background()
	s := newStore(t, metric.NewMetricsRegistry())
	require.NoError(t, s.Region(storage.RegionKey{}).Append(ctx, []byte{1}))

	require.NoError(t, s.Destroy())

	js, err := client.JetStream()
	require.NoError(t, err)
	_, err = js.ObjectStore(ctx, s.Bucket())
	assert.Error(t, err)
}
