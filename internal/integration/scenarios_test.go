// Scenario-level tests for the batch processor and scan scheduler's
// orchestration methods, against a real PostgreSQL instance via testDB.
// Scenario numbers refer to the end-to-end scan/dedup/purge scenarios the
// history-walk FSM, dedup contract, and purge flow are specified against.
package integration

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/clipvault/clipvault/internal/batchprocessor"
	"github.com/clipvault/clipvault/internal/blobstore"
	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/discordclient"
	"github.com/clipvault/clipvault/internal/jobqueue"
	"github.com/clipvault/clipvault/internal/mediapipeline"
	"github.com/clipvault/clipvault/internal/models"
	"github.com/clipvault/clipvault/internal/scanscheduler"
	"github.com/clipvault/clipvault/internal/settings"
	"github.com/clipvault/clipvault/internal/thumbnail"
)

// requirePipeline builds a real mediapipeline.Pipeline backed by store, or
// skips the test if ffmpeg/ffprobe cannot be discovered in this environment.
func requirePipeline(t *testing.T, store blobstore.Store) *mediapipeline.Pipeline {
	t.Helper()
	pipeline, err := mediapipeline.New(store, mediapipeline.Config{
		Small:           mediapipeline.Dimensions{Width: 320, Height: 180},
		Large:           mediapipeline.Dimensions{Width: 1280, Height: 720},
		Timestamp:       1.0,
		Quality:         80,
		DownloadTimeout: 30 * time.Second,
		ConnectTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Skipf("skipping: no ffmpeg/ffprobe available in this environment: %v", err)
	}
	t.Cleanup(func() { pipeline.Close() })
	return pipeline
}

// newMemberServer starts an httptest server answering member lookups with a
// fixed display name, and whatever extra handler the test supplies for
// everything else (history pages, guild leave, etc).
func newMemberServer(t *testing.T, extra http.HandlerFunc) *discordclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if extra != nil {
			extra(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return discordclient.New(srv.URL, "test-token", "clipvault-test")
}

func memberJSON(userID string) string {
	return fmt.Sprintf(`{"user":{"id":%q,"username":"tester","discriminator":"0"},"nick":""}`, userID)
}

// seedScanEligibleChannel creates a guild and a channel with scanning
// enabled on both, returning their ids.
func seedScanEligibleChannel(t *testing.T, ctx context.Context) (guildID, channelID string) {
	t.Helper()
	guildID = models.NewULID().String()
	guilds := database.NewGuildRepository(testDB)
	if err := guilds.UpsertGuilds(ctx, []models.Guild{{ID: guildID, Name: "Scenario Guild", MessageScanEnabled: true}}); err != nil {
		t.Fatalf("seeding guild: %v", err)
	}

	channelID = models.NewULID().String()
	channels := database.NewChannelRepository(testDB)
	if err := channels.UpsertChannelsForGuild(ctx, guildID, []models.Channel{
		{ID: channelID, GuildID: guildID, Name: "clips", Type: models.ChannelTypeText, MessageScanEnabled: true},
	}); err != nil {
		t.Fatalf("seeding channel: %v", err)
	}

	t.Cleanup(func() {
		testPool.Exec(ctx, `DELETE FROM channel_scan_status WHERE channel_id = $1`, channelID)
		testPool.Exec(ctx, `DELETE FROM messages WHERE channel_id = $1`, channelID)
		testPool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
		testPool.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, guildID)
	})
	return guildID, channelID
}

// newTestScheduler builds a Scheduler wired against testDB and a discord
// mock, with a nil thumbnail pipeline: every scenario here either carries no
// attachments or only exercises clips already marked complete, so the
// pipeline is never dereferenced (see thumbnail.Handler.Process's
// short-circuit and batchprocessor's toProcess gating).
func newTestScheduler(t *testing.T, discord *discordclient.Client) (*scanscheduler.Scheduler, *testRepos) {
	t.Helper()
	repos := &testRepos{
		guilds:     database.NewGuildRepository(testDB),
		channels:   database.NewChannelRepository(testDB),
		scanStatus: database.NewScanStatusRepository(testDB),
		authors:    database.NewAuthorRepository(testDB),
		messages:   database.NewMessageRepository(testDB),
		clips:      database.NewClipRepository(testDB),
		thumbs:     database.NewThumbnailRepository(testDB),
		failed:     database.NewFailedThumbnailRepository(testDB),
		settings:   database.NewSettingsRepository(testDB),
	}

	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("building blob store: %v", err)
	}

	resolver := settings.New(repos.settings, time.Minute)
	thumbHandler := thumbnail.NewHandler(nil, repos.clips, repos.thumbs, repos.failed, nil, testLogger)
	batch := batchprocessor.New(resolver, repos.authors, repos.messages, repos.clips, thumbHandler, discord, nil, testLogger)
	scheduler := scanscheduler.New(discord, repos.guilds, repos.channels, repos.scanStatus, repos.messages, repos.clips,
		repos.thumbs, repos.failed, store, batch, thumbHandler, testQueue, 60*time.Minute, nil, testLogger)

	return scheduler, repos
}

type testRepos struct {
	guilds     *database.GuildRepository
	channels   *database.ChannelRepository
	scanStatus *database.ScanStatusRepository
	authors    *database.AuthorRepository
	messages   *database.MessageRepository
	clips      *database.ClipRepository
	thumbs     *database.ThumbnailRepository
	failed     *database.FailedThumbnailRepository
	settings   *database.SettingsRepository
}

// S1/S2: a channel history walk pages backward through 140 messages in two
// batches of 100 and 40. The first page is full (100 == limit), so
// ProcessBatchScan must record cursors forward="m100" backward="m1", leave
// status running, and append exactly one continuation job with
// before_message_id="m1". The continuation page (40 < limit) must record
// backward_message_id="m0_0" without disturbing forward, and leave the scan
// succeeded with no further continuation.
func TestBatchScanContinuationCursorMath(t *testing.T) {
	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)
	authorID := models.NewULID().String()

	firstPage := make([]string, 100)
	for i := range firstPage {
		firstPage[i] = fmt.Sprintf("m%d", 100-i) // m100..m1, newest first
	}
	secondPage := make([]string, 40)
	for i := range secondPage {
		secondPage[i] = fmt.Sprintf("m0_%d", 39-i) // m0_39..m0_0
	}

	var servedSecondPage bool
	discord := newMemberServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && containsSubstr(r.URL.Path, "/members/"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(memberJSON(authorID)))
		case r.Method == http.MethodGet && containsSubstr(r.URL.Path, "/messages"):
			var page []string
			if r.URL.Query().Get("before") == "m1" {
				page = secondPage
				servedSecondPage = true
			} else {
				page = firstPage
			}
			writeJSONPage(w, page, authorID)
		default:
			http.NotFound(w, r)
		}
	})

	scheduler, _ := newTestScheduler(t, discord)

	job1 := models.BatchScanJob{
		BaseJob:      models.BaseJob{Type: models.JobTypeBatch, JobID: models.NewULID().String(), GuildID: guildID, ChannelID: channelID, CreatedAt: time.Now()},
		Direction:    models.DirectionBackward,
		Limit:        100,
		AutoContinue: true,
		Rescan:       models.RescanStop,
	}
	if err := scheduler.ProcessBatchScan(ctx, job1); err != nil {
		t.Fatalf("ProcessBatchScan (first page) error: %v", err)
	}

	statuses := database.NewScanStatusRepository(testDB)
	status, err := statuses.Get(ctx, channelID)
	if err != nil {
		t.Fatalf("fetching scan status: %v", err)
	}
	if status.Status != models.ScanStatusRunning {
		t.Errorf("after full page: status = %q, want running (continuation pending)", status.Status)
	}
	if status.ForwardMessageID == nil || *status.ForwardMessageID != "m100" {
		t.Errorf("forward_message_id = %v, want m100", status.ForwardMessageID)
	}
	if status.BackwardMessageID == nil || *status.BackwardMessageID != "m1" {
		t.Errorf("backward_message_id = %v, want m1", status.BackwardMessageID)
	}

	stream := jobqueue.StreamName(guildID, string(models.JobTypeBatch))
	msgs, err := testQueue.ReadCycle(ctx, []string{stream}, 10, 2*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("reading continuation job: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one continuation job queued, got %d", len(msgs))
	}
	var job2 models.BatchScanJob
	if err := jobqueue.DecodeJob(msgs[0].Fields, &job2); err != nil {
		t.Fatalf("decoding continuation job: %v", err)
	}
	if job2.BeforeMessageID == nil || *job2.BeforeMessageID != "m1" {
		t.Errorf("continuation before_message_id = %v, want m1", job2.BeforeMessageID)
	}
	testQueue.Ack(ctx, stream, msgs[0].ID)

	job2.BaseJob.ChannelID = channelID
	job2.BaseJob.GuildID = guildID
	if err := scheduler.ProcessBatchScan(ctx, job2); err != nil {
		t.Fatalf("ProcessBatchScan (continuation page) error: %v", err)
	}
	if !servedSecondPage {
		t.Fatal("continuation job never requested the second page (before=m1)")
	}

	status, err = statuses.Get(ctx, channelID)
	if err != nil {
		t.Fatalf("fetching scan status after continuation: %v", err)
	}
	if status.Status != models.ScanStatusSucceeded {
		t.Errorf("after partial page: status = %q, want succeeded", status.Status)
	}
	if status.ForwardMessageID == nil || *status.ForwardMessageID != "m100" {
		t.Errorf("forward_message_id changed after continuation: %v, want unchanged m100", status.ForwardMessageID)
	}
	if status.BackwardMessageID == nil || *status.BackwardMessageID != "m0_0" {
		t.Errorf("backward_message_id = %v, want m0_0", status.BackwardMessageID)
	}

	remaining, err := testQueue.ReadCycle(ctx, []string{stream}, 10, 500*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("checking for unwanted further continuation: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no further continuation after a partial page, got %d jobs", len(remaining))
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func writeJSONPage(w http.ResponseWriter, ids []string, authorID string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "[")
	for i, id := range ids {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"id":%q,"channel_id":"","content":"","timestamp":"2026-01-01T00:00:00Z","attachments":[],"author":{"id":%q}}`, id, authorID)
	}
	fmt.Fprint(w, "]")
}

// clipFingerprintForTest mirrors batchprocessor's unexported clipFingerprint
// so a clip row can be pre-seeded under the exact id Process will compute
// for a given message/attachment, without ever routing a new clip through
// Process (which would require a working media pipeline).
func clipFingerprintForTest(messageID, channelID, filename string, timestamp time.Time) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", messageID, channelID, filename, timestamp.UTC().Format(time.RFC3339Nano))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// S4: re-delivering a message whose clip is already completed under the
// same settings hash must not create new rows or disturb thumbnail_status.
// The clip is pre-seeded as already completed rather than produced by a
// first Process() call, since a genuinely new clip would route through the
// media pipeline, unavailable in this environment.
func TestBatchProcessorDuplicateRedeliveryIsANoop(t *testing.T) {
	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)
	authorID := models.NewULID().String()

	discord := newMemberServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(memberJSON(authorID)))
	})
	_, repos := newTestScheduler(t, discord)

	msgID := models.NewULID().String()
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	attachment := discordclient.Attachment{ID: "a1", Filename: "clip.mp4", Size: 1024, URL: "https://cdn.example.com/clip.mp4?ex=7fffffff", ContentType: "video/mp4"}
	msg := discordclient.Message{ID: msgID, ChannelID: channelID, Content: "", Timestamp: ts, AuthorID: authorID, Attachments: []discordclient.Attachment{attachment}}

	resolver := settings.New(repos.settings, time.Minute)
	_, settingsHash, err := resolver.Resolve(ctx, guildID, channelID)
	if err != nil {
		t.Fatalf("resolving settings: %v", err)
	}

	clipID := clipFingerprintForTest(msgID, channelID, attachment.Filename, ts)
	if err := repos.messages.BulkUpsertMessages(ctx, []models.Message{
		{ID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: authorID, Timestamp: ts},
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	if err := repos.clips.BulkUpsertClips(ctx, []models.Clip{{
		ID: clipID, MessageID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: authorID,
		Filename: attachment.Filename, FileSize: attachment.Size, MimeType: attachment.ContentType,
		CDNURL: attachment.URL, ExpiresAt: time.Now().Add(24 * time.Hour),
		ThumbnailStatus: models.ThumbnailStatusCompleted, SettingsHash: settingsHash,
	}}); err != nil {
		t.Fatalf("seeding completed clip: %v", err)
	}

	processor := batchprocessor.New(resolver, repos.authors, repos.messages, repos.clips,
		thumbnail.NewHandler(nil, repos.clips, repos.thumbs, repos.failed, nil, testLogger), discord, nil, testLogger)

	result, err := processor.Process(ctx, guildID, channelID, []discordclient.Message{msg}, models.RescanStop)
	if err != nil {
		t.Fatalf("Process() (duplicate redelivery) error: %v", err)
	}
	if result.ClipsFound != 1 {
		t.Errorf("redelivery: ClipsFound = %d, want 1 (the already-completed clip, not a new one)", result.ClipsFound)
	}

	var clipCount int
	if err := testPool.QueryRow(ctx, `SELECT count(*) FROM clips WHERE message_id = $1`, msgID).Scan(&clipCount); err != nil {
		t.Fatalf("counting clips: %v", err)
	}
	if clipCount != 1 {
		t.Errorf("expected exactly one clip row after duplicate redelivery, got %d", clipCount)
	}

	clip, err := repos.clips.GetClip(ctx, clipID)
	if err != nil {
		t.Fatalf("re-fetching clip: %v", err)
	}
	if clip.ThumbnailStatus != models.ThumbnailStatusCompleted {
		t.Errorf("thumbnail_status after redelivery = %q, want completed (unchanged)", clip.ThumbnailStatus)
	}

	var failedCount int
	if err := testPool.QueryRow(ctx, `SELECT count(*) FROM failed_thumbnails WHERE clip_id = $1`, clipID).Scan(&failedCount); err != nil {
		t.Fatalf("counting failed thumbnails: %v", err)
	}
	if failedCount != 0 {
		t.Errorf("expected no failed_thumbnails row after duplicate redelivery, got %d", failedCount)
	}

	t.Cleanup(func() {
		testPool.Exec(ctx, `DELETE FROM clips WHERE message_id = $1`, msgID)
		testPool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msgID)
	})
}

// S5 (adapted): the stale-thumbnail sweep drives the same failure/backoff
// path a probe failure would (Handler.recordFailure), so it is exercised
// here directly: a clip stuck in processing past the stale window is
// transitioned to failed with a FailedThumbnail row at retry_count=1 and
// next_retry_at ~5m out, matching the first entry of the backoff schedule.
func TestThumbnailStaleSweepAppliesFirstBackoffStep(t *testing.T) {
	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)

	msgID := models.NewULID().String()
	messages := database.NewMessageRepository(testDB)
	if err := messages.BulkUpsertMessages(ctx, []models.Message{
		{ID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1", Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	clips := database.NewClipRepository(testDB)
	clipID := models.NewULID().String()
	if err := clips.BulkUpsertClips(ctx, []models.Clip{{
		ID: clipID, MessageID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1",
		Filename: "clip.mp4", FileSize: 100, MimeType: "video/mp4", CDNURL: "https://cdn.example.com/clip.mp4",
		ExpiresAt: time.Now().Add(24 * time.Hour), ThumbnailStatus: models.ThumbnailStatusPending, SettingsHash: "h",
	}}); err != nil {
		t.Fatalf("seeding clip: %v", err)
	}
	// Back-date updated_at past the stale window; BulkUpsertClips always
	// stamps it to now().
	if _, err := testPool.Exec(ctx, `UPDATE clips SET updated_at = now() - interval '2 hours' WHERE id = $1`, clipID); err != nil {
		t.Fatalf("backdating clip updated_at: %v", err)
	}

	failed := database.NewFailedThumbnailRepository(testDB)
	handler := thumbnail.NewHandler(nil, clips, database.NewThumbnailRepository(testDB), failed, nil, testLogger)

	swept, err := handler.SweepStale(ctx, 60)
	if err != nil {
		t.Fatalf("SweepStale error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("SweepStale swept %d clips, want 1", swept)
	}

	clip, err := clips.GetClip(ctx, clipID)
	if err != nil {
		t.Fatalf("re-fetching clip: %v", err)
	}
	if clip.ThumbnailStatus != models.ThumbnailStatusFailed {
		t.Errorf("thumbnail_status after sweep = %q, want failed", clip.ThumbnailStatus)
	}

	record, err := failed.GetByClip(ctx, clipID)
	if err != nil {
		t.Fatalf("fetching failed thumbnail record: %v", err)
	}
	if record.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", record.RetryCount)
	}
	wantNextRetry := time.Now().Add(5 * time.Minute)
	if diff := record.NextRetryAt.Sub(wantNextRetry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("next_retry_at = %v, want ~5m from now (got diff %v)", record.NextRetryAt, diff)
	}

	t.Cleanup(func() {
		testPool.Exec(ctx, `DELETE FROM failed_thumbnails WHERE clip_id = $1`, clipID)
		testPool.Exec(ctx, `DELETE FROM clips WHERE id = $1`, clipID)
		testPool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msgID)
	})
}

// S6: purging a channel must hard-delete its thumbnails, clips, messages,
// and scan status, in that order, delete every blob object those
// thumbnails pointed at, set a purge cooldown, and leave the channel row
// itself intact.
func TestPurgeChannelOrdering(t *testing.T) {
	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)

	msgID := models.NewULID().String()
	messages := database.NewMessageRepository(testDB)
	if err := messages.BulkUpsertMessages(ctx, []models.Message{
		{ID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1", Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	clips := database.NewClipRepository(testDB)
	clipID := models.NewULID().String()
	if err := clips.BulkUpsertClips(ctx, []models.Clip{{
		ID: clipID, MessageID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1",
		Filename: "clip.mp4", FileSize: 100, MimeType: "video/mp4", CDNURL: "https://cdn.example.com/clip.mp4",
		ExpiresAt: time.Now().Add(24 * time.Hour), ThumbnailStatus: models.ThumbnailStatusCompleted, SettingsHash: "h",
	}}); err != nil {
		t.Fatalf("seeding clip: %v", err)
	}

	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("building blob store: %v", err)
	}
	thumbs := database.NewThumbnailRepository(testDB)
	storagePaths := []string{"thumbnails/guild_" + guildID + "/" + clipID + "_small.webp", "thumbnails/guild_" + guildID + "/" + clipID + "_large.webp"}
	for i, size := range []models.SizeType{models.SizeSmall, models.SizeLarge} {
		if err := thumbs.UpsertThumbnail(ctx, models.Thumbnail{
			ID: models.NewULID().String(), ClipID: clipID, SizeType: size, StoragePath: storagePaths[i],
			Width: 100, Height: 100, FileSize: 10, MimeType: "image/webp",
		}); err != nil {
			t.Fatalf("seeding thumbnail %s: %v", size, err)
		}
		if err := store.Put(ctx, storagePaths[i], strings.NewReader("x"), 1, "image/webp"); err != nil {
			t.Fatalf("seeding blob %s: %v", storagePaths[i], err)
		}
	}

	discord := newMemberServer(t, nil)
	scheduler := scanscheduler.New(discord, database.NewGuildRepository(testDB), database.NewChannelRepository(testDB),
		database.NewScanStatusRepository(testDB), messages, clips, thumbs, database.NewFailedThumbnailRepository(testDB),
		store, nil, nil, testQueue, 30*time.Minute, nil, testLogger)

	if err := scheduler.ProcessPurgeChannel(ctx, models.PurgeChannelJob{BaseJob: models.BaseJob{
		Type: models.JobTypePurgeChannel, JobID: models.NewULID().String(), GuildID: guildID, ChannelID: channelID, CreatedAt: time.Now(),
	}}); err != nil {
		t.Fatalf("ProcessPurgeChannel error: %v", err)
	}

	for _, p := range storagePaths {
		exists, err := store.Exists(ctx, p)
		if err != nil {
			t.Fatalf("checking blob %s: %v", p, err)
		}
		if exists {
			t.Errorf("blob %s still exists after purge", p)
		}
	}

	var thumbCount, clipCount, msgCount, statusCount int
	testPool.QueryRow(ctx, `SELECT count(*) FROM thumbnails WHERE clip_id = $1`, clipID).Scan(&thumbCount)
	testPool.QueryRow(ctx, `SELECT count(*) FROM clips WHERE id = $1`, clipID).Scan(&clipCount)
	testPool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE id = $1`, msgID).Scan(&msgCount)
	testPool.QueryRow(ctx, `SELECT count(*) FROM channel_scan_status WHERE channel_id = $1`, channelID).Scan(&statusCount)
	if thumbCount != 0 {
		t.Errorf("thumbnails remaining after purge: %d, want 0", thumbCount)
	}
	if clipCount != 0 {
		t.Errorf("clips remaining after purge: %d, want 0", clipCount)
	}
	if msgCount != 0 {
		t.Errorf("messages remaining after purge: %d, want 0", msgCount)
	}
	if statusCount != 0 {
		t.Errorf("scan status remaining after purge: %d, want 0", statusCount)
	}

	var channelExists bool
	var cooldown *time.Time
	if err := testPool.QueryRow(ctx, `SELECT true, purge_cooldown FROM channels WHERE id = $1`, channelID).Scan(&channelExists, &cooldown); err != nil {
		t.Fatalf("expected channel row to survive purge: %v", err)
	}
	if cooldown == nil || !cooldown.After(time.Now()) {
		t.Errorf("purge_cooldown = %v, want a future timestamp", cooldown)
	}
}

// clipVideoFixtureEnv names the environment variable pointing at a local,
// short sample video file used to exercise the real media pipeline. Scenario
// S3 needs an actual decodable video, which this repository does not ship;
// set it to run the test, otherwise it skips.
const clipVideoFixtureEnv = "CLIPVAULT_TEST_VIDEO_FIXTURE"

// S3: a message with two eligible attachments (one video, one image) must
// produce exactly one Clip row per attachment and exactly two Thumbnail
// rows (small+large) once generation succeeds, sharing one settings_hash.
// Requires a real ffmpeg/ffprobe and a local video fixture; skips cleanly
// when either is unavailable.
func TestThumbnailGenerationProducesSmallAndLargeRows(t *testing.T) {
	fixturePath := os.Getenv(clipVideoFixtureEnv)
	if fixturePath == "" {
		t.Skipf("skipping: set %s to a local sample video file to run this scenario", clipVideoFixtureEnv)
	}

	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)
	authorID := models.NewULID().String()

	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("building blob store: %v", err)
	}
	pipeline := requirePipeline(t, store)

	videoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, fixturePath)
	}))
	t.Cleanup(videoServer.Close)

	discord := newMemberServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(memberJSON(authorID)))
	})

	clips := database.NewClipRepository(testDB)
	thumbs := database.NewThumbnailRepository(testDB)
	failed := database.NewFailedThumbnailRepository(testDB)
	authors := database.NewAuthorRepository(testDB)
	messages := database.NewMessageRepository(testDB)
	settingsRepo := database.NewSettingsRepository(testDB)

	thumbHandler := thumbnail.NewHandler(pipeline, clips, thumbs, failed, nil, testLogger)
	processor := batchprocessor.New(settings.New(settingsRepo, time.Minute), authors, messages, clips, thumbHandler, discord, nil, testLogger)

	msgID := models.NewULID().String()
	ts := time.Now()
	videoAttachment := discordclient.Attachment{ID: "a1", Filename: "clip.mp4", Size: 2048, URL: videoServer.URL + "/clip.mp4", ContentType: "video/mp4"}
	imageAttachment := discordclient.Attachment{ID: "a2", Filename: "cover.png", Size: 512, URL: "https://cdn.example.com/cover.png?ex=7fffffff", ContentType: "image/png"}
	msg := discordclient.Message{ID: msgID, ChannelID: channelID, Timestamp: ts, AuthorID: authorID,
		Attachments: []discordclient.Attachment{videoAttachment, imageAttachment}}

	result, err := processor.Process(ctx, guildID, channelID, []discordclient.Message{msg}, models.RescanStop)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if result.ClipsFound != 1 {
		t.Fatalf("ClipsFound = %d, want 1 (only the video attachment is an eligible clip)", result.ClipsFound)
	}

	var clipIDs []string
	rows, err := testPool.Query(ctx, `SELECT id FROM clips WHERE message_id = $1`, msgID)
	if err != nil {
		t.Fatalf("listing clips: %v", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scanning clip id: %v", err)
		}
		clipIDs = append(clipIDs, id)
	}
	rows.Close()
	if len(clipIDs) != 1 {
		t.Fatalf("expected exactly one clip row, got %d", len(clipIDs))
	}

	clip, err := clips.GetClip(ctx, clipIDs[0])
	if err != nil {
		t.Fatalf("fetching clip: %v", err)
	}
	if clip.ThumbnailStatus != models.ThumbnailStatusCompleted {
		t.Fatalf("thumbnail_status = %q, want completed", clip.ThumbnailStatus)
	}

	clipThumbs, err := thumbs.ListByClip(ctx, clipIDs[0])
	if err != nil {
		t.Fatalf("listing thumbnails: %v", err)
	}
	if len(clipThumbs) != 2 {
		t.Fatalf("expected 2 thumbnail rows (small+large), got %d", len(clipThumbs))
	}
	var gotSmall, gotLarge bool
	for _, th := range clipThumbs {
		switch th.SizeType {
		case models.SizeSmall:
			gotSmall = true
		case models.SizeLarge:
			gotLarge = true
		}
	}
	if !gotSmall || !gotLarge {
		t.Errorf("expected one small and one large thumbnail, got sizes %v", clipThumbs)
	}

	t.Cleanup(func() {
		testPool.Exec(ctx, `DELETE FROM thumbnails WHERE clip_id = $1`, clipIDs[0])
		testPool.Exec(ctx, `DELETE FROM clips WHERE message_id = $1`, msgID)
		testPool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msgID)
	})
}

// S5 (first half): a clip whose source cannot be turned into a thumbnail is
// marked failed with one FailedThumbnail row at retry_count=1 and
// next_retry_at ~5m out. The retry after the backoff window is not
// exercised here. Requires a real ffmpeg/ffprobe; skips cleanly when
// unavailable.
func TestThumbnailPipelineFailureRecordsFirstBackoffStep(t *testing.T) {
	ctx := context.Background()
	guildID, channelID := seedScanEligibleChannel(t, ctx)

	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("building blob store: %v", err)
	}
	pipeline := requirePipeline(t, store)

	clips := database.NewClipRepository(testDB)
	thumbs := database.NewThumbnailRepository(testDB)
	failed := database.NewFailedThumbnailRepository(testDB)
	thumbHandler := thumbnail.NewHandler(pipeline, clips, thumbs, failed, nil, testLogger)

	msgID := models.NewULID().String()
	messages := database.NewMessageRepository(testDB)
	if err := messages.BulkUpsertMessages(ctx, []models.Message{
		{ID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1", Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	clipID := models.NewULID().String()
	// A URL with no video behind it, so the pipeline fails at the download
	// step (or at the probe, should anything answer) before a frame is read.
	badClip := models.Clip{
		ID: clipID, MessageID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: "a1",
		Filename: "broken.mp4", FileSize: 10, MimeType: "video/mp4", CDNURL: "https://cdn.example.com/does-not-exist.mp4",
		ExpiresAt: time.Now().Add(24 * time.Hour), ThumbnailStatus: models.ThumbnailStatusPending, SettingsHash: "h",
	}
	if err := clips.BulkUpsertClips(ctx, []models.Clip{badClip}); err != nil {
		t.Fatalf("seeding clip: %v", err)
	}

	if err := thumbHandler.Process(ctx, badClip); err != nil {
		t.Fatalf("Process() should record the failure, not return it: %v", err)
	}

	clip, err := clips.GetClip(ctx, clipID)
	if err != nil {
		t.Fatalf("fetching clip: %v", err)
	}
	if clip.ThumbnailStatus != models.ThumbnailStatusFailed {
		t.Fatalf("thumbnail_status after probe failure = %q, want failed", clip.ThumbnailStatus)
	}

	record, err := failed.GetByClip(ctx, clipID)
	if err != nil {
		t.Fatalf("fetching failed thumbnail record: %v", err)
	}
	if record.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", record.RetryCount)
	}
	wantNextRetry := time.Now().Add(5 * time.Minute)
	if diff := record.NextRetryAt.Sub(wantNextRetry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("next_retry_at = %v, want ~5m from now (got diff %v)", record.NextRetryAt, diff)
	}

	t.Cleanup(func() {
		testPool.Exec(ctx, `DELETE FROM failed_thumbnails WHERE clip_id = $1`, clipID)
		testPool.Exec(ctx, `DELETE FROM clips WHERE id = $1`, clipID)
		testPool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msgID)
	})
}
