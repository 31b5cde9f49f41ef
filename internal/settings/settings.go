// Package settings resolves the effective per-channel configuration used by
// the batch processor, merging system defaults with
// guild-level and channel-level overrides behind a TTL cache.
package settings

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/clipvault/clipvault/internal/database"
)

// defaultAllowedMimeTypes is the common video MIME set assumed when a guild
// or channel has not overridden allowed_mime_types.
var defaultAllowedMimeTypes = []string{
	"video/mp4", "video/webm", "video/quicktime", "video/x-matroska",
}

// Effective is the resolved, merged settings for one channel.
type Effective struct {
	AllowedMimeTypes            []string
	MatchRegex                  *regexp.Regexp
	EnableMessageContentStorage bool
}

// Resolver computes effective channel settings, caching results for
// CacheTTL and serving cache reads/writes under a single mutex.
type Resolver struct {
	repo *database.SettingsRepository

	mu       sync.Mutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration
}

type cacheEntry struct {
	resolved  map[string]any
	hash      string
	cachedAt  time.Time
}

// New constructs a Resolver backed by repo, caching resolved settings for
// ttl.
func New(repo *database.SettingsRepository, ttl time.Duration) *Resolver {
	return &Resolver{
		repo:     repo,
		cache:    make(map[string]cacheEntry),
		cacheTTL: ttl,
	}
}

func cacheKey(guildID, channelID string) string {
	return guildID + ":" + channelID
}

// Resolve returns the effective settings and settings_hash for a channel,
// merging system_defaults ⊕ guild.default_channel_settings ⊕ guild.settings
// ⊕ channel.settings, left to right, shallow merge.
func (r *Resolver) Resolve(ctx context.Context, guildID, channelID string) (*Effective, string, error) {
	key := cacheKey(guildID, channelID)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Since(entry.cachedAt) < r.cacheTTL {
		r.mu.Unlock()
		eff, err := toEffective(entry.resolved)
		if err != nil {
			return nil, "", err
		}
		return eff, entry.hash, nil
	}
	r.mu.Unlock()

	guildSettings, err := r.repo.GetGuildSettings(ctx, guildID)
	if err != nil {
		return nil, "", fmt.Errorf("resolving settings for guild %s: %w", guildID, err)
	}
	channelSettings, err := r.repo.GetChannelSettings(ctx, channelID)
	if err != nil {
		return nil, "", fmt.Errorf("resolving settings for channel %s: %w", channelID, err)
	}

	resolved := systemDefaults()
	mergeInto(resolved, guildSettings.DefaultChannelSettings)
	mergeInto(resolved, guildSettings.Settings)
	mergeInto(resolved, channelSettings.Settings)

	hash, err := canonicalHash(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("hashing settings for channel %s: %w", channelID, err)
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{resolved: resolved, hash: hash, cachedAt: time.Now()}
	r.mu.Unlock()

	eff, err := toEffective(resolved)
	if err != nil {
		return nil, "", err
	}
	return eff, hash, nil
}

// InvalidateChannel drops the cached entry for one channel.
func (r *Resolver) InvalidateChannel(guildID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(guildID, channelID))
}

// InvalidateGuild drops all cached entries for a guild.
func (r *Resolver) InvalidateGuild(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := guildID + ":"
	for k := range r.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.cache, k)
		}
	}
}

// Clear empties the entire cache.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

func systemDefaults() map[string]any {
	mimeTypes := make([]any, len(defaultAllowedMimeTypes))
	for i, m := range defaultAllowedMimeTypes {
		mimeTypes[i] = m
	}
	return map[string]any{
		"allowed_mime_types":             mimeTypes,
		"enable_message_content_storage": true,
	}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func toEffective(resolved map[string]any) (*Effective, error) {
	eff := &Effective{EnableMessageContentStorage: true}

	if raw, ok := resolved["allowed_mime_types"]; ok {
		if list, ok := raw.([]any); ok {
			eff.AllowedMimeTypes = make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					eff.AllowedMimeTypes = append(eff.AllowedMimeTypes, s)
				}
			}
		}
	}

	if raw, ok := resolved["enable_message_content_storage"]; ok {
		if b, ok := raw.(bool); ok {
			eff.EnableMessageContentStorage = b
		}
	}

	if raw, ok := resolved["match_regex"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			// Anchored: a match must span the full content, not just find a
			// substring. Missing content is treated as "" and matches ".*".
			re, err := regexp.Compile(`^(?:` + s + `)$`)
			if err != nil {
				return nil, fmt.Errorf("compiling match_regex %q: %w", s, err)
			}
			eff.MatchRegex = re
		}
	}

	return eff, nil
}

// canonicalHash computes md5(canonical_json(resolved)) with sorted keys, so
// the same effective settings always produce the same hash regardless of
// which worker computed it.
func canonicalHash(resolved map[string]any) (string, error) {
	canonical, err := canonicalJSON(resolved)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders v as JSON with map keys sorted, recursively.
func canonicalJSON(v any) (string, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb []byte
		sb = append(sb, '{')
		for i, k := range keys {
			if i > 0 {
				sb = append(sb, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return "", err
			}
			sb = append(sb, keyJSON...)
			sb = append(sb, ':')
			valJSON, err := canonicalJSON(val[k])
			if err != nil {
				return "", err
			}
			sb = append(sb, valJSON...)
		}
		sb = append(sb, '}')
		return string(sb), nil

	case []any:
		var sb []byte
		sb = append(sb, '[')
		for i, item := range val {
			if i > 0 {
				sb = append(sb, ',')
			}
			itemJSON, err := canonicalJSON(item)
			if err != nil {
				return "", err
			}
			sb = append(sb, itemJSON...)
		}
		sb = append(sb, ']')
		return string(sb), nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// MatchesContent reports whether eff.MatchRegex accepts content, treating a
// nil MatchRegex (no filter configured) as always matching.
func (eff *Effective) MatchesContent(content string) bool {
	if eff.MatchRegex == nil {
		return true
	}
	return eff.MatchRegex.MatchString(content)
}
