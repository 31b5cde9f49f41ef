// Package mediapipeline downloads a clip's source video, probes its
// container/codec, extracts a representative frame, and encodes small and
// large thumbnail rasters, storing both in the configured blob store.
package mediapipeline

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/buckket/go-blurhash"

	"github.com/clipvault/clipvault/internal/blobstore"
	"github.com/clipvault/clipvault/internal/errs"
)

// Dimensions is a target width/height box thumbnails are fit inside,
// preserving aspect ratio.
type Dimensions struct {
	Width  int
	Height int
}

// Config parameterizes one Pipeline instance.
type Config struct {
	Small           Dimensions
	Large           Dimensions
	Timestamp       float64
	Quality         int
	DownloadTimeout time.Duration
	ConnectTimeout  time.Duration
}

// Result describes the thumbnails produced for one clip.
type Result struct {
	Small    Artifact
	Large    Artifact
	MimeType string
	Duration float64
	Width    int
	Height   int
	// Blurhash is a compact placeholder encoded from the extracted frame.
	// Left empty if encoding the frame failed; thumbnails are still valid.
	Blurhash string
}

// Artifact is one generated thumbnail raster.
type Artifact struct {
	StoragePath string
	Width       int
	Height      int
	FileSize    int64
}

// Pipeline holds the shared, process-lifetime resources the media
// pipeline needs: one persistent HTTP client (closed on worker shutdown)
// and the resolved ffmpeg/ffprobe binary paths.
type Pipeline struct {
	httpClient *http.Client
	ffmpeg     *ffmpegPaths
	store      blobstore.Store
	cfg        Config
}

// New constructs a Pipeline, discovering ffmpeg/ffprobe once.
func New(store blobstore.Store, cfg Config) (*Pipeline, error) {
	ff, err := discoverFFmpeg()
	if err != nil {
		return nil, fmt.Errorf("initializing media pipeline: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}

	return &Pipeline{
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout, Transport: transport},
		ffmpeg:     ff,
		store:      store,
		cfg:        cfg,
	}, nil
}

// Close releases the pipeline's persistent HTTP client connections.
func (p *Pipeline) Close() {
	p.httpClient.CloseIdleConnections()
}

// AlreadyComplete reports whether both thumbnail blobs for clipID already
// exist, used for the short-circuit before downloading anything.
func (p *Pipeline) AlreadyComplete(ctx context.Context, guildID, clipID string) (bool, error) {
	smallKey := thumbnailKey(guildID, clipID, "small")
	largeKey := thumbnailKey(guildID, clipID, "large")

	smallExists, err := p.store.Exists(ctx, smallKey)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, fmt.Errorf("checking %s: %w", smallKey, err))
	}
	largeExists, err := p.store.Exists(ctx, largeKey)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, fmt.Errorf("checking %s: %w", largeKey, err))
	}
	return smallExists && largeExists, nil
}

func thumbnailKey(guildID, clipID, size string) string {
	return fmt.Sprintf("thumbnails/guild_%s/%s_%s.webp", guildID, clipID, size)
}

// Process runs the full pipeline for one clip: download, probe, extract a
// frame, resize+encode small and large rasters, and store both. Temp files
// are removed on every exit path.
func (p *Pipeline) Process(ctx context.Context, guildID, clipID, cdnURL string) (*Result, error) {
	tmpDir, err := os.MkdirTemp("", "clipvault-thumb-*")
	if err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("creating temp dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	srcPath := filepath.Join(tmpDir, "source")
	if err := p.download(ctx, cdnURL, srcPath); err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("downloading clip %s: %w", clipID, err))
	}

	info, err := p.ffmpeg.probe(ctx, srcPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("probing clip %s: %w", clipID, err))
	}

	framePath := filepath.Join(tmpDir, "frame.png")
	timestamp := p.cfg.Timestamp
	if info.Duration > 0 && timestamp > info.Duration {
		timestamp = info.Duration / 2
	}
	if err := p.ffmpeg.extractFrame(ctx, srcPath, timestamp, framePath); err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("extracting frame for clip %s: %w", clipID, err))
	}

	small, err := p.encodeAndStore(ctx, framePath, tmpDir, guildID, clipID, "small", p.cfg.Small)
	if err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("encoding small thumbnail for clip %s: %w", clipID, err))
	}
	large, err := p.encodeAndStore(ctx, framePath, tmpDir, guildID, clipID, "large", p.cfg.Large)
	if err != nil {
		return nil, errs.Wrap(errs.KindMedia, fmt.Errorf("encoding large thumbnail for clip %s: %w", clipID, err))
	}

	return &Result{
		Small:    *small,
		Large:    *large,
		MimeType: mimeTypeFor(info),
		Duration: info.Duration,
		Width:    info.Width,
		Height:   info.Height,
		Blurhash: encodeBlurhash(framePath),
	}, nil
}

// encodeBlurhash encodes a compact placeholder string from the extracted
// frame. Returns "" if the frame can't be decoded; this is a supplementary
// field and never fails thumbnail generation.
func encodeBlurhash(framePath string) string {
	f, err := os.Open(framePath)
	if err != nil {
		return ""
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return ""
	}

	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return ""
	}
	return hash
}

func (p *Pipeline) encodeAndStore(ctx context.Context, framePath, tmpDir, guildID, clipID, size string, dim Dimensions) (*Artifact, error) {
	outPath := filepath.Join(tmpDir, size+".webp")
	if err := p.ffmpeg.encodeWebP(ctx, framePath, dim.Width, dim.Height, p.cfg.Quality, outPath); err != nil {
		return nil, err
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("opening encoded %s thumbnail: %w", size, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat encoded %s thumbnail: %w", size, err)
	}

	key := thumbnailKey(guildID, clipID, size)
	if err := p.store.Put(ctx, key, f, stat.Size(), "image/webp"); err != nil {
		return nil, fmt.Errorf("storing %s thumbnail: %w", size, err)
	}

	return &Artifact{StoragePath: key, Width: dim.Width, Height: dim.Height, FileSize: stat.Size()}, nil
}

func (p *Pipeline) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating download destination: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing downloaded bytes: %w", err)
	}
	return nil
}
