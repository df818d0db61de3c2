package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "fleet.csv", want: "fleet.csv"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\ops\fleet.csv`, want: "fleet.csv"},
		{in: "/abs/path/data.csv", want: "data.csv"},
		{in: "  spaced.csv ", want: "spaced.csv"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "..", wantErr: true},
		{in: "/", wantErr: true},
		{in: "dir/", want: "dir"},
		{in: "nul\x00.csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublicPath(t *testing.T) {
	assert.Equal(t, "/uploads/fleet.csv", PublicPath("fleet.csv"))
}

func TestLocalStore_SaveAndOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "static", "uploads")
	store := NewLocalStore(dir)
	ctx := context.Background()

	data := []byte("train_id,km\nT01,1200\n")
	require.NoError(t, store.Save(ctx, "fleet.csv", "text/csv", data))

	onDisk, err := os.ReadFile(filepath.Join(dir, "fleet.csv"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	rc, info, err := store.Open(ctx, "fleet.csv")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Contains(t, info.ContentType, "text/csv")
}

func TestLocalStore_SaveOverwrites(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a.csv", "", []byte("first")))
	require.NoError(t, store.Save(ctx, "a.csv", "", []byte("second")))

	rc, _, err := store.Open(ctx, "a.csv")
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are not left behind")
}

func TestLocalStore_OpenMissing(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"absent.csv", "../secret", "", "."} {
		_, _, err := store.Open(ctx, name)
		assert.True(t, errors.Is(err, ErrNotFound), name)
	}
}

func TestLocalStore_SaveFailsWhenDirIsFile(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	store := NewLocalStore(filepath.Join(blocker, "uploads"))
	err := store.Save(context.Background(), "a.csv", "", []byte("x"))
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		endpoint string
		secure   bool
		wantErr  bool
	}{
		{raw: "minio:9000", endpoint: "minio:9000"},
		{raw: "http://minio:9000", endpoint: "minio:9000"},
		{raw: "https://s3.example.com", endpoint: "s3.example.com", secure: true},
		{raw: "https://s3.example.com/", endpoint: "s3.example.com", secure: true},
		{raw: "https://s3.example.com/bucket", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			endpoint, secure, err := normaliseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.secure, secure)
		})
	}
}
