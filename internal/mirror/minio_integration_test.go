//go:build integration

package mirror

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"predictgate/config"
)

func startMinIO(t *testing.T) config.MinIOConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	cfg := config.MinIOConfig{
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "uploads",
		Prefix:    "uploads/",
	}

	client, err := minio.New(fmt.Sprintf("%s:%s", host, port.Port()), &minio.Options{
		Creds: credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	require.NoError(t, err)
	require.NoError(t, client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}))
	return cfg
}

func TestMinIOStore(t *testing.T) {
	cfg := startMinIO(t)
	ctx := context.Background()

	store, err := NewMinIOStore(ctx, cfg)
	require.NoError(t, err)

	data := []byte("a,b\n1,2\n")
	require.NoError(t, store.Save(ctx, "t.csv", "text/csv", data))

	rc, info, err := store.Open(ctx, "t.csv")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "text/csv", info.ContentType)

	_, _, err = store.Open(ctx, "absent.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewMinIOStore_MissingBucket(t *testing.T) {
	cfg := startMinIO(t)
	cfg.Bucket = "nope"

	_, err := NewMinIOStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "does not exist")
}
