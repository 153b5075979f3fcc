package platform

import (
	"context"
	"net/url"
	"sort"

	json "github.com/goccy/go-json"

	"xnotifyd/internal/store"
)

// GraphQL query ID for NotificationsTimeline - this may need periodic updates.
const notificationsQueryID = "Y-4nWuqrAwaEDpHtfJmK5A"

const (
	badgeCountPath    = "/i/api/2/badge_count/badge_count.json"
	notificationsPath = "/i/api/graphql/" + notificationsQueryID + "/NotificationsTimeline"
)

// BadgeCount is the lightweight unread counter checked before a full
// timeline fetch.
type BadgeCount struct {
	NtabUnreadCount int `json:"ntab_unread_count"`
	DMUnreadCount   int `json:"dm_unread_count"`
}

// Item is one notification from the timeline, newest-first by SortIndex.
type Item struct {
	SortIndex string   `json:"sort_index"`
	Type      string   `json:"notification_type"`
	Message   string   `json:"message"`
	IconURL   string   `json:"icon_url,omitempty"`
	URL       string   `json:"url,omitempty"`
	FromUsers []string `json:"from_users,omitempty"`
}

// Title maps the notification type to a human headline.
func (it Item) Title() string {
	switch it.Type {
	case "like":
		return "New Like"
	case "retweet":
		return "New Repost"
	case "reply":
		return "New Reply"
	case "mention":
		return "New Mention"
	case "follow":
		return "New Follower"
	case "quote":
		return "New Quote"
	default:
		return "New Notification"
	}
}

// GetBadgeCount checks the unread counter for a session.
func (c *Client) GetBadgeCount(ctx context.Context, auth Auth) (BadgeCount, error) {
	body, err := c.get(ctx, auth, badgeCountPath, "supports_ntab_urt=1")
	if err != nil {
		return BadgeCount{}, err
	}
	var bc BadgeCount
	if err := json.Unmarshal(body, &bc); err != nil {
		return BadgeCount{}, &APIError{Message: "malformed badge count: " + err.Error()}
	}
	return bc, nil
}

// GetNotifications fetches the notifications timeline, newest-first.
func (c *Client) GetNotifications(ctx context.Context, auth Auth) ([]Item, error) {
	variables := map[string]any{
		"count":                                   20,
		"includePromotedContent":                  false,
		"withCommunity":                           true,
		"withQuickPromoteEligibilityTweetFields":  true,
		"withBirdwatchNotes":                      true,
		"withVoice":                               true,
		"withV2Timeline":                          true,
	}
	features := map[string]any{
		"rweb_tipjar_consumption_enabled":                                         true,
		"responsive_web_graphql_exclude_directive_enabled":                        true,
		"verified_phone_label_enabled":                                            false,
		"creator_subscriptions_tweet_preview_api_enabled":                         true,
		"responsive_web_graphql_timeline_navigation_enabled":                      true,
		"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
		"communities_web_enable_tweet_community_results_fetch":                    true,
		"c9s_tweet_anatomy_moderator_badge_enabled":                               true,
		"articles_preview_enabled":                                                true,
		"responsive_web_edit_tweet_api_enabled":                                   true,
		"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
		"view_counts_everywhere_api_enabled":                                      true,
		"longform_notetweets_consumption_enabled":                                 true,
		"responsive_web_twitter_article_tweet_consumption_enabled":                true,
		"tweet_awards_web_tipping_enabled":                                        false,
		"creator_subscriptions_quote_tweet_preview_enabled":                       false,
		"freedom_of_speech_not_reach_fetch_enabled":                               true,
		"standardized_nudges_misinfo":                                             true,
		"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": true,
		"rweb_video_timestamps_enabled":                                           true,
		"longform_notetweets_rich_text_read_enabled":                              true,
		"longform_notetweets_inline_media_enabled":                                true,
		"responsive_web_enhance_cards_enabled":                                    false,
	}

	vb, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	fb, err := json.Marshal(features)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("variables", string(vb))
	q.Set("features", string(fb))

	body, err := c.get(ctx, auth, notificationsPath, q.Encode())
	if err != nil {
		return nil, err
	}
	return parseNotifications(body)
}

func parseNotifications(body []byte) ([]Item, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, &APIError{Message: "malformed timeline: " + err.Error()}
	}

	if errs, ok := root["errors"].([]any); ok && len(errs) > 0 {
		msg := "unknown error"
		if first, ok := errs[0].(map[string]any); ok {
			if m, ok := first["message"].(string); ok && m != "" {
				msg = m
			}
		}
		return nil, &APIError{Message: msg}
	}

	var items []Item
	instructions, _ := pointer(root, "data", "user", "result", "timeline", "timeline", "instructions").([]any)
	for _, rawIns := range instructions {
		ins, ok := rawIns.(map[string]any)
		if !ok || ins["type"] != "TimelineAddEntries" {
			continue
		}
		entries, _ := ins["entries"].([]any)
		for _, rawEntry := range entries {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			entryID, _ := entry["entryId"].(string)
			if len(entryID) >= 7 && entryID[:7] == "cursor-" {
				continue
			}
			sortIndex, _ := entry["sortIndex"].(string)
			if sortIndex == "" {
				continue
			}
			content, ok := entry["content"].(map[string]any)
			if !ok {
				continue
			}
			if it, ok := parseEntry(content, sortIndex); ok {
				items = append(items, it)
			}
		}
	}

	// Newest first.
	sort.Slice(items, func(i, j int) bool {
		return store.CompareItemID(items[i].SortIndex, items[j].SortIndex) > 0
	})
	return items, nil
}

func parseEntry(content map[string]any, sortIndex string) (Item, bool) {
	itemContent, ok := content["itemContent"].(map[string]any)
	if !ok {
		return Item{}, false
	}

	nt, _ := itemContent["notificationType"].(string)
	if nt == "" {
		nt = "unknown"
	}

	it := Item{
		SortIndex: sortIndex,
		Type:      normalizeType(nt),
		Message:   extractMessage(itemContent),
		FromUsers: extractFromUsers(itemContent),
	}
	if u, ok := pointer(itemContent, "url", "url").(string); ok {
		it.URL = u
	} else if id, ok := pointer(itemContent, "tweet_results", "result", "rest_id").(string); ok {
		it.URL = "https://x.com/i/status/" + id
	}
	if iconURL, ok := pointer(itemContent, "icon", "iconUrl").(string); ok {
		it.IconURL = iconURL
	}
	return it, true
}

func extractMessage(itemContent map[string]any) string {
	if m, ok := pointer(itemContent, "message", "text").(string); ok && m != "" {
		return m
	}
	if m, ok := pointer(itemContent, "header", "text").(string); ok && m != "" {
		return m
	}
	if m, ok := pointer(itemContent, "tweet_results", "result", "legacy", "full_text").(string); ok && m != "" {
		return m
	}
	return "New notification"
}

func extractFromUsers(itemContent map[string]any) []string {
	raw, _ := itemContent["fromUsers"].([]any)
	var users []string
	for _, ru := range raw {
		u, ok := ru.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := pointer(u, "user_results", "result", "legacy", "name").(string); ok && name != "" {
			users = append(users, name)
		}
	}
	return users
}

func normalizeType(t string) string {
	switch t {
	case "like", "likes", "liked", "Like", "Likes":
		return "like"
	case "retweet", "retweets", "retweeted", "Retweet":
		return "retweet"
	case "reply", "replies", "replied", "Reply":
		return "reply"
	case "mention", "mentions", "mentioned", "Mention":
		return "mention"
	case "follow", "follows", "followed", "Follow":
		return "follow"
	case "quote", "quotes", "quoted", "Quote":
		return "quote"
	default:
		return t
	}
}

// pointer walks nested JSON maps; returns nil when any step is missing.
func pointer(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = mm[k]
		if !ok {
			return nil
		}
	}
	return cur
}
