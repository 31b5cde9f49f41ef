package mediapipeline

import "testing"

func TestMimeTypeForPrefersCodec(t *testing.T) {
	tests := []struct {
		name string
		info *MediaInfo
		want string
	}{
		{"h264 over ambiguous container", &MediaInfo{CodecName: "h264", FormatName: "mov,mp4,m4a,3gp,3g2,mj2"}, "video/mp4"},
		{"hevc", &MediaInfo{CodecName: "hevc", FormatName: "mov,mp4,m4a,3gp,3g2,mj2"}, "video/mp4"},
		{"vp9 maps to webm", &MediaInfo{CodecName: "vp9", FormatName: "matroska,webm"}, "video/webm"},
		{"unknown codec falls back to container webm", &MediaInfo{CodecName: "theora", FormatName: "webm"}, "video/webm"},
		{"unknown codec falls back to container mkv", &MediaInfo{CodecName: "theora", FormatName: "matroska"}, "video/x-matroska"},
		{"unknown codec falls back to container avi", &MediaInfo{CodecName: "mjpeg", FormatName: "avi"}, "video/x-msvideo"},
		{"unknown codec falls back to container flv", &MediaInfo{CodecName: "flv1", FormatName: "flv"}, "video/x-flv"},
		{"totally unknown defaults to mp4", &MediaInfo{CodecName: "unknown", FormatName: "unknown"}, "video/mp4"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := mimeTypeFor(tc.info); got != tc.want {
				t.Errorf("mimeTypeFor() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestThumbnailKeyLayout(t *testing.T) {
	got := thumbnailKey("G1", "clip-abc", "small")
	want := "thumbnails/guild_G1/clip-abc_small.webp"
	if got != want {
		t.Errorf("thumbnailKey() = %q, want %q", got, want)
	}
}
