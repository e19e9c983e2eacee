package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

var (
	ErrUnknownQuery = errors.New("unknown query")
	ErrBadArgs      = errors.New("invalid query args")
)

// queryFunc 启动一个订阅，每个新结果通过 emit 推送；返回的函数用于关闭订阅。
type queryFunc func(ctx context.Context, svc *service.Services, actorID string, args json.RawMessage, emit func(any)) (func(), error)

// queryArgs 是所有查询参数的并集，各查询只读取自己需要的字段。
type queryArgs struct {
	ActorIDs       []string `json:"actor_ids"`
	ConversationID string   `json:"conversation_id"`
	ExcludeSelf    bool     `json:"exclude_self"`
	MessageIDs     []string `json:"message_ids"`
	AuthorIDs      []string `json:"author_ids"`
	GatheringID    string   `json:"gathering_id"`
	Window         string   `json:"window"`
	Limit          int      `json:"limit"`
}

func parseArgs(raw json.RawMessage) (queryArgs, error) {
	var a queryArgs
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	if a.Limit < 0 {
		return a, fmt.Errorf("%w: negative limit", ErrBadArgs)
	}
	return a, nil
}

func need(cond bool, field string) error {
	if !cond {
		return fmt.Errorf("%w: %s is required", ErrBadArgs, field)
	}
	return nil
}

// pipe 把订阅结果转发给 emit，直到订阅关闭或 ctx 结束。
func pipe[R any](ctx context.Context, sub *store.Sub[R], emit func(any)) func() {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C:
				if !ok {
					return
				}
				emit(v)
			}
		}
	}()
	return sub.Close
}

var queries = map[string]queryFunc{
	"presence": func(ctx context.Context, svc *service.Services, _ string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(len(a.ActorIDs) > 0, "actor_ids"); err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Presence.WatchPresence(ctx, a.ActorIDs), emit), nil
	},
	"typing": func(ctx context.Context, svc *service.Services, actorID string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(a.ConversationID != "", "conversation_id"); err != nil {
			return nil, err
		}
		exclude := ""
		if a.ExcludeSelf {
			exclude = actorID
		}
		return pipe(ctx, svc.Typing.WatchTyping(ctx, a.ConversationID, exclude), emit), nil
	},
	"notifications.feed": func(ctx context.Context, svc *service.Services, actorID string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Notifications.WatchFeed(ctx, actorID, a.Limit), emit), nil
	},
	"notifications.unread": func(ctx context.Context, svc *service.Services, actorID string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Notifications.WatchUnread(ctx, actorID, a.Limit), emit), nil
	},
	"notifications.unread_count": func(ctx context.Context, svc *service.Services, actorID string, _ json.RawMessage, emit func(any)) (func(), error) {
		return pipe(ctx, svc.Notifications.WatchUnreadCount(ctx, actorID), emit), nil
	},
	"receipts": func(ctx context.Context, svc *service.Services, _ string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(len(a.MessageIDs) > 0, "message_ids"); err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Receipts.WatchReceipts(ctx, a.MessageIDs), emit), nil
	},
	"conversation.unread_count": func(ctx context.Context, svc *service.Services, actorID string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(a.ConversationID != "", "conversation_id"); err != nil {
			return nil, err
		}
		sub := svc.Receipts.WatchUnreadCount(ctx, a.ConversationID, actorID, a.MessageIDs, a.AuthorIDs)
		return pipe(ctx, sub, emit), nil
	},
	"gathering.tallies": func(ctx context.Context, svc *service.Services, _ string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(a.GatheringID != "", "gathering_id"); err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Gatherings.WatchTallies(ctx, a.GatheringID), emit), nil
	},
	"activity.feed": func(ctx context.Context, svc *service.Services, _ string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		if err := need(len(a.ActorIDs) > 0, "actor_ids"); err != nil {
			return nil, err
		}
		return pipe(ctx, svc.Activity.WatchForActors(ctx, a.ActorIDs, a.Limit), emit), nil
	},
	"leaderboard.top": func(ctx context.Context, svc *service.Services, _ string, raw json.RawMessage, emit func(any)) (func(), error) {
		a, err := parseArgs(raw)
		if err != nil {
			return nil, err
		}
		window := models.LeaderboardWindow(a.Window)
		if window == "" {
			window = models.WindowTotal
		}
		sub, err := svc.Leaderboard.WatchTop(ctx, window, a.Limit)
		if err != nil {
			return nil, err
		}
		return pipe(ctx, sub, emit), nil
	},
}

// Queries 返回支持的订阅查询名。
func Queries() []string {
	out := make([]string, 0, len(queries))
	for name := range queries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
