package poll

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"xnotifyd/internal/eventbus"
	"xnotifyd/internal/platform"
	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

// pollTimeout bounds one full poll cycle for a target.
const pollTimeout = 45 * time.Second

// PushPayload is the delivery body for one notification, stored with the
// event so retries resend identical bytes.
type PushPayload struct {
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	Priority int         `json:"priority"`
	Data     PayloadData `json:"data"`
}

type PayloadData struct {
	URL              string `json:"url,omitempty"`
	NotificationType string `json:"notification_type"`
	SortIndex        string `json:"sort_index"`
}

func (s *Scheduler) pollOne(parent context.Context, t store.Target) {
	ctx, cancel := context.WithTimeout(parent, pollTimeout)
	defer cancel()

	log := s.log.With(logx.String("handle", t.Handle))
	newCursor, enqueued, err := s.fetchAndRecord(ctx, t, log)

	var deferBy time.Duration
	if err != nil {
		var rl *platform.RateLimitError
		if errors.As(err, &rl) {
			deferBy = rl.RetryAfter()
			log.Warn("rate limited", logx.Duration("retry_after", deferBy))
		} else if !errors.Is(err, context.Canceled) {
			log.Error("poll failed", logx.Err(err))
		}
		s.bus.Publish(eventbus.Event{Type: "poll.failed", Time: s.now(), Data: t.Handle})
	} else {
		s.bus.Publish(eventbus.Event{Type: "poll.completed", Time: s.now(), Data: t.Handle})
		if enqueued > 0 {
			log.Info("new notifications", logx.Int("count", enqueued))
		}
	}
	s.finishPoll(t, newCursor, err, deferBy)

	if enqueued > 0 && s.waker != nil {
		s.waker.Wake()
	}
}

// fetchAndRecord does one poll cycle: badge pre-check, timeline fetch,
// dedup, fan-out to subscriptions. Returns the new cursor (empty when
// unchanged) and how many delivery events were enqueued.
func (s *Scheduler) fetchAndRecord(ctx context.Context, t store.Target, log logx.Logger) (string, int, error) {
	auth := platform.Auth{AuthToken: t.AuthToken, CSRFToken: t.CSRFToken}

	badge, err := s.source.GetBadgeCount(ctx, auth)
	if err != nil {
		return "", 0, err
	}
	if badge.NtabUnreadCount == 0 {
		log.Debug("no unread notifications")
		return "", 0, nil
	}

	items, err := s.source.GetNotifications(ctx, auth)
	if err != nil {
		return "", 0, err
	}
	if len(items) == 0 {
		return "", 0, nil
	}

	byID := make(map[string]platform.Item, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		byID[it.SortIndex] = it
		ids = append(ids, it.SortIndex)
	}

	fresh, err := s.store.RecordIfNew(ctx, t.ID, ids)
	if err != nil {
		return "", 0, err
	}
	if len(fresh) == 0 {
		return "", 0, nil
	}
	cursor := fresh[0]
	for _, id := range fresh[1:] {
		if store.CompareItemID(id, cursor) > 0 {
			cursor = id
		}
	}

	subs, err := s.store.SubscriptionsForTarget(ctx, t.ID)
	if err != nil {
		return cursor, 0, err
	}
	if len(subs) == 0 {
		return cursor, 0, nil
	}

	var events []store.Event
	now := s.now()
	for _, id := range fresh {
		it := byID[id]
		body, err := json.Marshal(PushPayload{
			Title:    it.Title(),
			Message:  it.Message,
			Priority: 5,
			Data: PayloadData{
				URL:              it.URL,
				NotificationType: it.Type,
				SortIndex:        it.SortIndex,
			},
		})
		if err != nil {
			return cursor, 0, err
		}
		for _, sub := range subs {
			events = append(events, store.Event{
				ID:             uuid.NewString(),
				SubscriptionID: sub.ID,
				TargetID:       t.ID,
				ItemID:         id,
				Payload:        body,
				Status:         store.EventPending,
				NextRetryAt:    now,
			})
		}
	}
	stored, err := s.store.EnqueueEvents(ctx, events)
	if err != nil {
		return cursor, 0, err
	}
	return cursor, stored, nil
}
