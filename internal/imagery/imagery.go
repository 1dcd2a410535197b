// Package imagery opens source rasters and cuts them into encoded tiles.
package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/kiranshivaraju/tileflow/pkg/models"
	"golang.org/x/image/tiff"
)

var (
	ErrUnsupportedSource = errors.New("unsupported image source")
	ErrUnsupportedFormat = errors.New("unsupported tile format")
	ErrOutOfBounds       = errors.New("tile outside image")
)

// Downloader fetches s3:// objects.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Image is a decoded raster.
type Image struct {
	URL string
	img image.Image
}

func (i *Image) Width() int  { return i.img.Bounds().Dx() }
func (i *Image) Height() int { return i.img.Bounds().Dy() }

// Bounds returns the full image as a region.
func (i *Image) Bounds() models.ImageRegion {
	return models.ImageRegion{Width: i.Width(), Height: i.Height()}
}

// Crop returns the pixels of r, which must lie inside the image.
func (i *Image) Crop(r models.ImageRegion) (image.Image, error) {
	if r.Empty() || !i.Bounds().Contains(r) {
		return nil, fmt.Errorf("%w: %s in %dx%d", ErrOutOfBounds, r, i.Width(), i.Height())
	}
	sub, ok := i.img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot be cropped", ErrUnsupportedFormat, i.img)
	}
	origin := i.img.Bounds().Min
	rect := image.Rect(r.Col, r.Row, r.EndCol(), r.EndRow()).Add(origin)
	return sub.SubImage(rect), nil
}

// Tile crops r and encodes it as format.
func (i *Image) Tile(r models.ImageRegion, format string) ([]byte, error) {
	img, err := i.Crop(r)
	if err != nil {
		return nil, err
	}
	return Encode(img, format)
}

// Encode writes img as PNG, JPEG or TIFF.
func Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch strings.ToUpper(format) {
	case "PNG":
		err = png.Encode(&buf, img)
	case "JPEG", "JPG":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "TIFF", "GTIFF":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s tile: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Extension returns the file extension for a tile format.
func Extension(format string) string {
	switch strings.ToUpper(format) {
	case "JPEG", "JPG":
		return "jpg"
	case "TIFF", "GTIFF":
		return "tif"
	default:
		return "png"
	}
}

// Decode reads a PNG, JPEG or TIFF raster.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// Loader opens images from local paths, file://, http(s):// and s3:// URLs. The
// most recently opened image is kept so consecutive regions of one image decode
// it once.
type Loader struct {
	client  *http.Client
	objects Downloader

	mu   sync.Mutex
	last *Image
}

func NewLoader(client *http.Client, objects Downloader) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{client: client, objects: objects}
}

func (l *Loader) Open(ctx context.Context, imageURL string) (*Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last != nil && l.last.URL == imageURL {
		return l.last, nil
	}

	data, err := l.fetch(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", imageURL, err)
	}

	l.last = &Image{URL: imageURL, img: img}
	return l.last, nil
}

func (l *Loader) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}

	switch u.Scheme {
	case "", "file":
		path := imageURL
		if u.Scheme == "file" {
			path = u.Path
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return data, nil
	case "http", "https":
		return l.fetchHTTP(ctx, imageURL)
	case "s3":
		if l.objects == nil {
			return nil, fmt.Errorf("%w: no object store configured for %s", ErrUnsupportedSource, imageURL)
		}
		return l.objects.Download(ctx, imageURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, u.Scheme)
	}
}

func (l *Loader) fetchHTTP(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", imageURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
