package assetcache

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStorage fails every atomic write.
type failingStorage struct {
	Storage
}

func (failingStorage) WriteAtomic(string, []byte, time.Time) error {
	return errors.New("disk full")
}

// countingStorage counts reads of derived artifacts.
type countingStorage struct {
	Storage
	reads atomic.Int32
}

func (s *countingStorage) ReadAll(p string) ([]byte, error) {
	s.reads.Add(1)
	return s.Storage.ReadAll(p)
}

type testEnv struct {
	cache   *Cache
	srcRoot string
}

func newTestCache(t *testing.T, configure func(*CacheConfig), opts ...Option) *testEnv {
	t.Helper()

	srcRoot := t.TempDir()
	cfg := &CacheConfig{
		Dir:       filepath.Join(t.TempDir(), "cache"),
		PublicURL: "/cache",
	}
	if configure != nil {
		configure(cfg)
	}

	c, err := NewCache(cfg, NewFileSource(SourceConfig{Root: srcRoot}), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })

	return &testEnv{cache: c, srcRoot: srcRoot}
}

// writeSource writes a source file under the env's document root.
func (e *testEnv) writeSource(t *testing.T, rel string, content []byte, modTime time.Time) string {
	t.Helper()
	return writeFile(t, filepath.Join(e.srcRoot, filepath.FromSlash(rel)), content, modTime)
}

func writeFile(t *testing.T, p string, content []byte, modTime time.Time) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, content, 0o644))
	if !modTime.IsZero() {
		require.NoError(t, os.Chtimes(p, modTime, modTime))
	}

	return p
}

// testPNG returns a 16x16 PNG whose left half is fully transparent and right half opaque red.
func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				img.Set(x, y, color.NRGBA{})
				continue
			}
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}
