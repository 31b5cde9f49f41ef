// Package batchprocessor filters attachments out of a page of platform
// messages, deduplicates them by content fingerprint, bulk upserts the
// resulting authors/messages/clips in three statements regardless of batch
// size, and fans out thumbnail work for anything not already complete.
package batchprocessor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/discordclient"
	"github.com/clipvault/clipvault/internal/metrics"
	"github.com/clipvault/clipvault/internal/models"
	"github.com/clipvault/clipvault/internal/settings"
	"github.com/clipvault/clipvault/internal/thumbnail"
)

// knownVideoExtensions is the fallback used when an attachment's MIME type
// is absent or ambiguous.
var knownVideoExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true, ".avi": true, ".flv": true,
}

// defaultCDNExpiry mirrors the platform's attachment URL signature
// lifetime used when no other expiry hint is available.
const defaultCDNExpiry = 24 * time.Hour

// Processor runs the batch message processor.
type Processor struct {
	resolver *settings.Resolver
	authors  *database.AuthorRepository
	messages *database.MessageRepository
	clips    *database.ClipRepository
	thumbs   *thumbnail.Handler
	discord  *discordclient.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New constructs a Processor. m may be nil, in which case bulk upsert
// batch sizes are not recorded.
func New(resolver *settings.Resolver, authors *database.AuthorRepository, messages *database.MessageRepository, clips *database.ClipRepository, thumbs *thumbnail.Handler, discord *discordclient.Client, m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{resolver: resolver, authors: authors, messages: messages, clips: clips, thumbs: thumbs, discord: discord, metrics: m, logger: logger}
}

// Result reports how many clips and thumbnails a batch produced.
type Result struct {
	ClipsFound          int
	ThumbnailsGenerated int
}

// clipInfo is one extracted attachment, paired with its computed fingerprint id.
type clipInfo struct {
	id         string
	attachment discordclient.Attachment
	message    discordclient.Message
}

// Process runs the full batch pipeline for one page of messages belonging
// to a single (guildId, channelId).
func (p *Processor) Process(ctx context.Context, guildID, channelID string, msgs []discordclient.Message, rescan models.RescanPolicy) (*Result, error) {
	eff, settingsHash, err := p.resolver.Resolve(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolving settings for channel %s: %w", channelID, err)
	}

	clipsByMessage := make(map[string][]clipInfo)
	var allClipIDs []string

	for _, msg := range msgs {
		if !eff.MatchesContent(msg.Content) {
			continue
		}
		for _, att := range msg.Attachments {
			if !isEligibleAttachment(att, eff.AllowedMimeTypes) {
				continue
			}
			id := clipFingerprint(msg.ID, channelID, att.Filename, msg.Timestamp)
			clipsByMessage[msg.ID] = append(clipsByMessage[msg.ID], clipInfo{id: id, attachment: att, message: msg})
			allClipIDs = append(allClipIDs, id)
		}
	}

	if len(clipsByMessage) == 0 {
		return &Result{}, nil
	}

	existing := make(map[string]models.Clip)
	for _, id := range allClipIDs {
		if c, err := p.clips.GetClip(ctx, id); err == nil {
			existing[id] = *c
		}
	}

	var authors []models.Author
	var messages []models.Message
	var clips []models.Clip
	var toProcess []string

	for msgID, infos := range clipsByMessage {
		msg := infos[0].message

		author, err := p.resolveAuthor(ctx, guildID, msg.AuthorID)
		if err != nil {
			p.logger.Warn("falling back to minimal author projection", slog.String("author_id", msg.AuthorID), slog.String("error", err.Error()))
			author = models.Author{UserID: msg.AuthorID, GuildID: guildID, DisplayName: msg.AuthorID}
		}
		if rescan == models.RescanUpdate || !hasAuthor(authors, author.UserID) {
			authors = append(authors, author)
		}

		content := msg.Content
		if !eff.EnableMessageContentStorage {
			content = ""
		}
		messages = append(messages, models.Message{
			ID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: msg.AuthorID,
			Content: content, Timestamp: msg.Timestamp,
		})

		for _, info := range infos {
			prior, hadPrior := existing[info.id]

			if hadPrior && prior.SettingsHash == settingsHash && prior.ThumbnailStatus == models.ThumbnailStatusCompleted {
				expiresAt := prior.ExpiresAt
				if time.Now().After(expiresAt) {
					expiresAt = extractCDNExpiry(info.attachment.URL)
				}
				clips = append(clips, withClipDefaults(prior, info, msgID, guildID, channelID, settingsHash, expiresAt))
				continue
			}

			clips = append(clips, models.Clip{
				ID: info.id, MessageID: msgID, GuildID: guildID, ChannelID: channelID, AuthorID: msg.AuthorID,
				Filename: info.attachment.Filename, FileSize: info.attachment.Size, MimeType: info.attachment.ContentType,
				CDNURL: info.attachment.URL, ExpiresAt: extractCDNExpiry(info.attachment.URL),
				ThumbnailStatus: models.ThumbnailStatusPending, SettingsHash: settingsHash,
			})
			toProcess = append(toProcess, info.id)
		}
	}

	if err := p.authors.BulkUpsertAuthors(ctx, authors); err != nil {
		return nil, fmt.Errorf("upserting authors for channel %s: %w", channelID, err)
	}
	p.metrics.ObserveBulkUpsert("authors", len(authors))

	if err := p.messages.BulkUpsertMessages(ctx, messages); err != nil {
		return nil, fmt.Errorf("upserting messages for channel %s: %w", channelID, err)
	}
	p.metrics.ObserveBulkUpsert("messages", len(messages))

	if err := p.clips.BulkUpsertClips(ctx, clips); err != nil {
		return nil, fmt.Errorf("upserting clips for channel %s: %w", channelID, err)
	}
	p.metrics.ObserveBulkUpsert("clips", len(clips))

	generated := 0
	for _, id := range toProcess {
		clip, err := p.clips.GetClip(ctx, id)
		if err != nil {
			p.logger.Error("reloading clip after bulk upsert", slog.String("clip_id", id), slog.String("error", err.Error()))
			continue
		}
		if err := p.thumbs.Process(ctx, *clip); err != nil {
			p.logger.Error("thumbnail processing failed", slog.String("clip_id", id), slog.String("error", err.Error()))
			continue
		}
		generated++
	}

	return &Result{ClipsFound: len(allClipIDs), ThumbnailsGenerated: generated}, nil
}

func (p *Processor) resolveAuthor(ctx context.Context, guildID, userID string) (models.Author, error) {
	member, err := p.discord.GetMember(ctx, guildID, userID)
	if err != nil {
		return models.Author{}, err
	}

	displayName := member.User.Username
	var nickname *string
	if member.Nick != "" {
		nickname = &member.Nick
		displayName = member.Nick
	}

	var avatarURL, guildAvatarURL *string
	if member.User.Avatar != "" {
		avatarURL = &member.User.Avatar
	}
	if member.Avatar != "" {
		guildAvatarURL = &member.Avatar
	}

	return models.Author{
		UserID: member.User.ID, GuildID: guildID, Username: member.User.Username,
		Discriminator: member.User.Discriminator, AvatarURL: avatarURL, Nickname: nickname,
		DisplayName: displayName, GuildAvatarURL: guildAvatarURL,
	}, nil
}

func hasAuthor(authors []models.Author, userID string) bool {
	for _, a := range authors {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

func withClipDefaults(prior models.Clip, info clipInfo, msgID, guildID, channelID, settingsHash string, expiresAt time.Time) models.Clip {
	prior.MessageID = msgID
	prior.GuildID = guildID
	prior.ChannelID = channelID
	prior.CDNURL = info.attachment.URL
	prior.ExpiresAt = expiresAt
	prior.SettingsHash = settingsHash
	return prior
}

// isEligibleAttachment reports whether att should be extracted as a clip:
// its MIME type is explicitly allowed, or (when the MIME type is absent or
// a generic fallback) its filename extension is a known video type.
func isEligibleAttachment(att discordclient.Attachment, allowed []string) bool {
	for _, m := range allowed {
		if att.ContentType == m {
			return true
		}
	}
	if att.ContentType == "" || att.ContentType == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		return knownVideoExtensions[ext]
	}
	return false
}

// extractCDNExpiry reads the hex unix-timestamp "ex" query parameter the
// platform signs attachment URLs with, falling back to defaultCDNExpiry
// from now when the parameter is absent, malformed, or the URL itself
// doesn't parse.
func extractCDNExpiry(cdnURL string) time.Time {
	u, err := url.Parse(cdnURL)
	if err != nil {
		return time.Now().Add(defaultCDNExpiry)
	}

	raw := u.Query().Get("ex")
	if raw == "" {
		return time.Now().Add(defaultCDNExpiry)
	}

	ts, err := strconv.ParseInt(raw, 16, 64)
	if err != nil {
		return time.Now().Add(defaultCDNExpiry)
	}

	return time.Unix(ts, 0).UTC()
}

// clipFingerprint computes the stable content-based clip id.
func clipFingerprint(messageID, channelID, filename string, timestamp time.Time) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", messageID, channelID, filename, timestamp.UTC().Format(time.RFC3339Nano))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
