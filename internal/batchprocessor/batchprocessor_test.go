package batchprocessor

import (
	"testing"
	"time"

	"github.com/clipvault/clipvault/internal/discordclient"
	"github.com/clipvault/clipvault/internal/models"
)

func TestClipFingerprintStableAndUnique(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a := clipFingerprint("msg1", "chan1", "clip.mp4", ts)
	b := clipFingerprint("msg1", "chan1", "clip.mp4", ts)
	if a != b {
		t.Fatalf("clipFingerprint not stable: %q != %q", a, b)
	}

	c := clipFingerprint("msg2", "chan1", "clip.mp4", ts)
	if a == c {
		t.Fatalf("clipFingerprint collided across different message ids")
	}

	d := clipFingerprint("msg1", "chan1", "clip.mp4", ts.Add(time.Second))
	if a == d {
		t.Fatalf("clipFingerprint collided across different timestamps")
	}
}

func TestIsEligibleAttachmentByMimeType(t *testing.T) {
	allowed := []string{"video/mp4", "video/webm"}

	att := discordclient.Attachment{Filename: "a.mp4", ContentType: "video/mp4"}
	if !isEligibleAttachment(att, allowed) {
		t.Fatal("expected video/mp4 to be eligible")
	}

	att2 := discordclient.Attachment{Filename: "a.png", ContentType: "image/png"}
	if isEligibleAttachment(att2, allowed) {
		t.Fatal("expected image/png to be ineligible")
	}
}

func TestIsEligibleAttachmentFallsBackToExtension(t *testing.T) {
	allowed := []string{"video/mp4"}

	att := discordclient.Attachment{Filename: "clip.mkv", ContentType: ""}
	if !isEligibleAttachment(att, allowed) {
		t.Fatal("expected .mkv with empty content type to fall back to extension match")
	}

	att2 := discordclient.Attachment{Filename: "clip.txt", ContentType: "application/octet-stream"}
	if isEligibleAttachment(att2, allowed) {
		t.Fatal("expected .txt with octet-stream to be ineligible")
	}
}

func TestHasAuthor(t *testing.T) {
	authors := []models.Author{{UserID: "u1"}, {UserID: "u2"}}
	if !hasAuthor(authors, "u1") {
		t.Fatal("expected u1 to be found")
	}
	if hasAuthor(authors, "u3") {
		t.Fatal("expected u3 to be absent")
	}
}
