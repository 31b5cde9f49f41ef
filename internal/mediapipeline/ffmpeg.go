package mediapipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ffmpegPaths discovers the ffmpeg/ffprobe binaries once at process init,
// preferring a repo-local bin/ffmpeg/bin/ffmpeg[.exe] over the system PATH.
type ffmpegPaths struct {
	ffmpeg  string
	ffprobe string
}

func discoverFFmpeg() (*ffmpegPaths, error) {
	candidates := [][2]string{
		{"bin/ffmpeg/bin/ffmpeg", "bin/ffmpeg/bin/ffprobe"},
		{"bin/ffmpeg/bin/ffmpeg.exe", "bin/ffmpeg/bin/ffprobe.exe"},
		{"bin/ffmpeg/ffmpeg", "bin/ffmpeg/ffprobe"},
		{"bin/ffmpeg/ffmpeg.exe", "bin/ffmpeg/ffprobe.exe"},
	}

	for _, pair := range candidates {
		if fileExists(pair[0]) && fileExists(pair[1]) {
			abs0, _ := filepath.Abs(pair[0])
			abs1, _ := filepath.Abs(pair[1])
			return &ffmpegPaths{ffmpeg: abs0, ffprobe: abs1}, nil
		}
	}

	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg: %w", err)
	}
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("locating ffprobe: %w", err)
	}
	return &ffmpegPaths{ffmpeg: ffmpeg, ffprobe: ffprobe}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// probeResult is the JSON envelope ffprobe returns with -print_format json.
type probeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// MediaInfo is the resolved container/codec metadata used both to pick a
// mime_type and to fill in Clip.duration/width/height when unset.
type MediaInfo struct {
	CodecName  string
	FormatName string
	Width      int
	Height     int
	Duration   float64
}

// probe extracts container/codec metadata for path via ffprobe.
func (p *ffmpegPaths) probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe on %s: %w", path, err)
	}

	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output for %s: %w", path, err)
	}

	info := &MediaInfo{FormatName: result.Format.FormatName}
	if d, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil {
		info.Duration = d
	}

	for _, s := range result.Streams {
		if s.CodecType == "video" {
			info.CodecName = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			if info.Duration == 0 {
				if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					info.Duration = d
				}
			}
			break
		}
	}

	if info.CodecName == "" {
		return nil, fmt.Errorf("probe of %s: no video stream found", path)
	}
	return info, nil
}

// extractFrame writes a single lossless PNG frame at timestamp t to
// outPath.
func (p *ffmpegPaths) extractFrame(ctx context.Context, inPath string, t float64, outPath string) error {
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-y",
		"-ss", strconv.FormatFloat(t, 'f', 3, 64),
		"-i", inPath,
		"-vframes", "1",
		"-f", "image2",
		"-vcodec", "png",
		outPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("extracting frame from %s: %w (%s)", inPath, err, out)
	}
	return nil
}

// encodeWebP resizes-then-encodes inPath to a WebP at outPath with the
// given quality. Resize is delegated to ffmpeg's scale filter: x/image has
// no WebP encoder, so rather than pulling in a second image library for
// resize-only use, the resize and encode are one ffmpeg invocation.
func (p *ffmpegPaths) encodeWebP(ctx context.Context, inPath string, width, height, quality int, outPath string) error {
	scale := fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease", width, height)

	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-y",
		"-i", inPath,
		"-vf", scale,
		"-quality", strconv.Itoa(quality),
		outPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("encoding webp from %s: %w (%s)", inPath, err, out)
	}
	return nil
}

// mimeTypeFor maps probe results to an output mime_type, preferring codec
// over container since a container like mov,mp4,m4a is ambiguous.
func mimeTypeFor(info *MediaInfo) string {
	switch info.CodecName {
	case "h264", "h265", "hevc", "mpeg4", "avc1":
		return "video/mp4"
	case "vp8", "vp9":
		return "video/webm"
	}

	switch info.FormatName {
	case "webm":
		return "video/webm"
	case "matroska", "matroska,webm", "mkv":
		return "video/x-matroska"
	case "avi":
		return "video/x-msvideo"
	case "flv":
		return "video/x-flv"
	case "mp4":
		return "video/mp4"
	case "mov", "quicktime", "mov,mp4,m4a,3gp,3g2,mj2":
		return "video/quicktime"
	}

	return "video/mp4"
}
