package discordclient

import (
	"context"
	"fmt"
	"time"
)

// Attachment mirrors the subset of a Discord message attachment the batch
// processor needs.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Message mirrors the subset of a Discord message the scan scheduler and
// batch processor need.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	AuthorID    string       `json:"author_id"`
	Attachments []Attachment `json:"attachments"`
}

type apiMessage struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments"`
	Author      struct {
		ID string `json:"id"`
	} `json:"author"`
}

// Channel mirrors the subset of a Discord channel the scan scheduler needs.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Position int    `json:"position"`
	ParentID string `json:"parent_id"`
	NSFW     bool   `json:"nsfw"`
}

// FetchChannel fetches a channel by id.
func (c *Client) FetchChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, "GET", "/channels/"+channelID, nil, &ch); err != nil {
		return nil, fmt.Errorf("fetching channel %s: %w", channelID, err)
	}
	return &ch, nil
}

// History fetches one page of a channel's message history. direction
// selects oldest_first ordering semantics: "backward" pages from newest to
// oldest via before, "forward" pages from oldest to newest via after.
func (c *Client) History(ctx context.Context, channelID string, limit int, before, after string, direction string) ([]Message, error) {
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	switch direction {
	case "backward":
		if before != "" {
			path += "&before=" + before
		}
	case "forward":
		if after != "" {
			path += "&after=" + after
		}
	default:
		return nil, fmt.Errorf("history: unknown direction %q", direction)
	}

	var raw []apiMessage
	if err := c.do(ctx, "GET", path, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching history for channel %s: %w", channelID, err)
	}

	out := make([]Message, len(raw))
	for i, m := range raw {
		out[i] = Message{
			ID:          m.ID,
			ChannelID:   m.ChannelID,
			Content:     m.Content,
			Timestamp:   m.Timestamp,
			AuthorID:    m.Author.ID,
			Attachments: m.Attachments,
		}
	}
	return out, nil
}

// FetchMessage fetches a single message by id, used for single-message
// re-ingestion (edit events).
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	var raw apiMessage
	if err := c.do(ctx, "GET", fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching message %s in channel %s: %w", messageID, channelID, err)
	}
	return &Message{
		ID:          raw.ID,
		ChannelID:   raw.ChannelID,
		Content:     raw.Content,
		Timestamp:   raw.Timestamp,
		AuthorID:    raw.Author.ID,
		Attachments: raw.Attachments,
	}, nil
}

// Member mirrors the subset of a Discord guild member the author upsert
// needs for display name resolution.
type Member struct {
	User struct {
		ID            string `json:"id"`
		Username      string `json:"username"`
		Discriminator string `json:"discriminator"`
		Avatar        string `json:"avatar"`
	} `json:"user"`
	Nick   string `json:"nick"`
	Avatar string `json:"avatar"`
}

// GetMember fetches a guild member by user id.
func (c *Client) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var m Member
	if err := c.do(ctx, "GET", fmt.Sprintf("/guilds/%s/members/%s", guildID, userID), nil, &m); err != nil {
		return nil, fmt.Errorf("fetching member %s in guild %s: %w", userID, guildID, err)
	}
	return &m, nil
}

// Guild mirrors the subset of a Discord guild the purge/discovery flows
// need.
type Guild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon"`
	Owner string `json:"owner_id"`
}

// GetGuild fetches a guild by id.
func (c *Client) GetGuild(ctx context.Context, guildID string) (*Guild, error) {
	var g Guild
	if err := c.do(ctx, "GET", "/guilds/"+guildID, nil, &g); err != nil {
		return nil, fmt.Errorf("fetching guild %s: %w", guildID, err)
	}
	return &g, nil
}

// GetChannel fetches a channel by id; an
// alias over FetchChannel kept for symmetry with the Discord client
// interface the scan scheduler is written against.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	return c.FetchChannel(ctx, channelID)
}

// LeaveGuild removes the bot from a guild, used by the purge_guild job
// after all of the guild's data has been deleted.
func (c *Client) LeaveGuild(ctx context.Context, guildID string) error {
	if err := c.do(ctx, "DELETE", "/users/@me/guilds/"+guildID, nil, nil); err != nil {
		return fmt.Errorf("leaving guild %s: %w", guildID, err)
	}
	return nil
}
