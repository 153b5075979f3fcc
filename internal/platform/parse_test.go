package platform

import (
	"testing"
)

const testTimelineJSON = `{
  "data": {
    "user": {
      "result": {
        "timeline": {
          "timeline": {
            "instructions": [
              {
                "type": "TimelineClearCache"
              },
              {
                "type": "TimelineAddEntries",
                "entries": [
                  {
                    "entryId": "notification-abc",
                    "sortIndex": "1700000000000000105",
                    "content": {
                      "itemContent": {
                        "notificationType": "like",
                        "message": {"text": "Someone liked your post"},
                        "icon": {"iconUrl": "https://example.com/heart.png"},
                        "fromUsers": [
                          {"user_results": {"result": {"legacy": {"name": "Alice"}}}}
                        ]
                      }
                    }
                  },
                  {
                    "entryId": "notification-def",
                    "sortIndex": "1700000000000000110",
                    "content": {
                      "itemContent": {
                        "notificationType": "reply",
                        "tweet_results": {
                          "result": {
                            "rest_id": "999",
                            "legacy": {"full_text": "nice take"}
                          }
                        }
                      }
                    }
                  },
                  {
                    "entryId": "cursor-top-123",
                    "sortIndex": "1700000000000000999",
                    "content": {"cursorType": "Top", "value": "x"}
                  }
                ]
              }
            ]
          }
        }
      }
    }
  }
}`

func TestParseNotifications(t *testing.T) {
	items, err := parseNotifications([]byte(testTimelineJSON))
	if err != nil {
		t.Fatalf("parseNotifications: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (cursor entries excluded)", len(items))
	}
	// Newest first.
	if items[0].SortIndex != "1700000000000000110" {
		t.Errorf("items[0].SortIndex = %q", items[0].SortIndex)
	}
	if items[0].Type != "reply" {
		t.Errorf("items[0].Type = %q", items[0].Type)
	}
	if items[0].Message != "nice take" {
		t.Errorf("items[0].Message = %q", items[0].Message)
	}
	if items[0].URL != "https://x.com/i/status/999" {
		t.Errorf("items[0].URL = %q", items[0].URL)
	}

	like := items[1]
	if like.Type != "like" {
		t.Errorf("like.Type = %q", like.Type)
	}
	if like.Message != "Someone liked your post" {
		t.Errorf("like.Message = %q", like.Message)
	}
	if like.IconURL != "https://example.com/heart.png" {
		t.Errorf("like.IconURL = %q", like.IconURL)
	}
	if len(like.FromUsers) != 1 || like.FromUsers[0] != "Alice" {
		t.Errorf("like.FromUsers = %v", like.FromUsers)
	}
	if got := like.Title(); got != "New Like" {
		t.Errorf("Title = %q", got)
	}
}

func TestParseNotificationsAPIError(t *testing.T) {
	body := `{"errors":[{"message":"Could not authenticate you"}]}`
	_, err := parseNotifications([]byte(body))
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if apiErr.Message != "Could not authenticate you" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestParseNotificationsEmpty(t *testing.T) {
	items, err := parseNotifications([]byte(`{"data":{}}`))
	if err != nil {
		t.Fatalf("parseNotifications: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestTitleFallback(t *testing.T) {
	it := Item{Type: "recommendation"}
	if got := it.Title(); got != "New Notification" {
		t.Errorf("Title = %q", got)
	}
}
