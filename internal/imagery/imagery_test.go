package imagery_test

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kiranshivaraju/tileflow/internal/imagery"
	"github.com/kiranshivaraju/tileflow/internal/staging"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient returns a w x h image whose pixel (x, y) encodes its position.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	return img
}

func encoded(t *testing.T, w, h int, format string) []byte {
	t.Helper()
	data, err := imagery.Encode(gradient(w, h), format)
	require.NoError(t, err)
	return data
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	for _, format := range []string{"PNG", "JPEG", "TIFF"} {
		t.Run(format, func(t *testing.T) {
			img, err := imagery.Decode(encoded(t, 40, 30, format))
			require.NoError(t, err)
			assert.Equal(t, 40, img.Bounds().Dx())
			assert.Equal(t, 30, img.Bounds().Dy())
		})
	}
}

func TestEncode_UnknownFormat(t *testing.T) {
	_, err := imagery.Encode(gradient(1, 1), "BMP")
	assert.ErrorIs(t, err, imagery.ErrUnsupportedFormat)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "png", imagery.Extension("PNG"))
	assert.Equal(t, "jpg", imagery.Extension("jpeg"))
	assert.Equal(t, "tif", imagery.Extension("TIFF"))
}

func TestLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.png")
	require.NoError(t, os.WriteFile(path, encoded(t, 64, 48, "PNG"), 0o600))
	l := imagery.NewLoader(nil, nil)

	for _, u := range []string{path, "file://" + path} {
		img, err := l.Open(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, models.ImageRegion{Width: 64, Height: 48}, img.Bounds())
	}
}

func TestImage_TileCropsPixels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.tif")
	require.NoError(t, os.WriteFile(path, encoded(t, 64, 48, "TIFF"), 0o600))
	img, err := imagery.NewLoader(nil, nil).Open(context.Background(), path)
	require.NoError(t, err)

	data, err := img.Tile(models.ImageRegion{Row: 10, Col: 20, Width: 8, Height: 4}, "PNG")
	require.NoError(t, err)
	tile, err := imagery.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 8, tile.Bounds().Dx())
	assert.Equal(t, 4, tile.Bounds().Dy())

	r, g, _, _ := tile.At(tile.Bounds().Min.X, tile.Bounds().Min.Y).RGBA()
	assert.Equal(t, uint32(20), r>>8, "first column of the tile is image column 20")
	assert.Equal(t, uint32(10), g>>8, "first row of the tile is image row 10")

	_, err = img.Tile(models.ImageRegion{Row: 40, Col: 60, Width: 8, Height: 8}, "PNG")
	assert.ErrorIs(t, err, imagery.ErrOutOfBounds)
}

func TestLoader_HTTPCachesLastImage(t *testing.T) {
	var hits atomic.Int32
	payload := encoded(t, 16, 16, "PNG")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer ts.Close()

	l := imagery.NewLoader(ts.Client(), nil)
	for range 3 {
		img, err := l.Open(context.Background(), ts.URL+"/scene.png")
		require.NoError(t, err)
		assert.Equal(t, 16, img.Width())
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoader_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := imagery.NewLoader(ts.Client(), nil).Open(context.Background(), ts.URL+"/missing.png")
	assert.Error(t, err)
}

func TestLoader_S3(t *testing.T) {
	store := staging.New(staging.NewMemoryClient(), staging.Options{Bucket: "imagery"})
	uri, err := store.Upload(context.Background(), encoded(t, 32, 8, "JPEG"), "scenes/a.jpg")
	require.NoError(t, err)

	img, err := imagery.NewLoader(nil, store).Open(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Width())
	assert.Equal(t, 8, img.Height())
}

func TestLoader_UnsupportedScheme(t *testing.T) {
	l := imagery.NewLoader(nil, nil)
	_, err := l.Open(context.Background(), "gs://bucket/scene.tif")
	assert.ErrorIs(t, err, imagery.ErrUnsupportedSource)

	_, err = l.Open(context.Background(), "s3://bucket/scene.tif")
	assert.ErrorIs(t, err, imagery.ErrUnsupportedSource)
}
