package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// ReceiptService 记录消息已读回执。回执只插入不更新，
// "未读" 即缺少 (message, reader) 行，写路径天然幂等。
type ReceiptService struct {
	s       *store.Store
	records *store.Collection[models.Receipt]
}

func NewReceiptService(s *store.Store) *ReceiptService {
	return &ReceiptService{
		s: s,
		records: store.NewCollection(s, "receipts",
			func(r models.Receipt) string { return store.Key(r.MessageID, r.ReaderID) },
			store.Index[models.Receipt]{Name: "message", Key: func(r models.Receipt) string { return r.MessageID }},
			store.Index[models.Receipt]{Name: "conversation_reader", Key: func(r models.Receipt) string {
				return store.Key(r.ConversationID, r.ReaderID)
			}},
		),
	}
}

func (r *ReceiptService) Collection() *store.Collection[models.Receipt] { return r.records }

// MarkRead 仅在回执不存在时插入，返回是否新增。
func (r *ReceiptService) MarkRead(ctx context.Context, messageID, conversationID, readerID string) (bool, error) {
	if messageID == "" || conversationID == "" || readerID == "" {
		return false, fmt.Errorf("message, conversation and reader id: %w", ErrMissingField)
	}
	return r.records.InsertIfAbsent(ctx, models.Receipt{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReaderID:       readerID,
		ReadAt:         r.s.Now(),
	})
}

// MarkManyRead 批量执行幂等插入，返回新增数量。失败时已写入的回执保留，重试安全。
func (r *ReceiptService) MarkManyRead(ctx context.Context, messageIDs []string, conversationID, readerID string) (int, error) {
	added := 0
	for _, id := range messageIDs {
		ok, err := r.MarkRead(ctx, id, conversationID, readerID)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (r *ReceiptService) MarkConversationRead(ctx context.Context, conversationID, readerID string, allMessageIDs []string) (int, error) {
	return r.MarkManyRead(ctx, allMessageIDs, conversationID, readerID)
}

// ReceiptsFor 返回消息的全部回执，按阅读时间升序。
func (r *ReceiptService) ReceiptsFor(messageID string) []models.Receipt {
	rows := r.records.Lookup("message", messageID)
	sortReceipts(rows)
	return rows
}

// BatchReceiptsFor 返回 messageID -> 回执列表；没有回执的消息映射为空切片。
func (r *ReceiptService) BatchReceiptsFor(messageIDs []string) map[string][]models.Receipt {
	out := make(map[string][]models.Receipt, len(messageIDs))
	for _, id := range messageIDs {
		out[id] = r.ReceiptsFor(id)
	}
	return out
}

func (r *ReceiptService) HasRead(messageID, readerID string) bool {
	_, ok := r.records.Get(store.Key(messageID, readerID))
	return ok
}

// UnreadCountIn 统计会话中不是 reader 自己发送、且没有 reader 回执的消息数。
// authorIDs 与 allMessageIDs 按下标一一对应；缺失的作者视为他人。重复的消息 id 只计一次。
func (r *ReceiptService) UnreadCountIn(conversationID, readerID string, allMessageIDs, authorIDs []string) int {
	seen := make(map[string]struct{}, len(allMessageIDs))
	read := make(map[string]struct{})
	for _, rec := range r.records.Lookup("conversation_reader", store.Key(conversationID, readerID)) {
		read[rec.MessageID] = struct{}{}
	}
	unread := 0
	for i, id := range allMessageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if i < len(authorIDs) && authorIDs[i] == readerID {
			continue
		}
		if _, ok := read[id]; ok {
			continue
		}
		// 回执可能以其他会话 id 写入，按主键再确认一次
		if r.HasRead(id, readerID) {
			continue
		}
		unread++
	}
	return unread
}

// LastReadMessage 返回 reader 在会话中 readAt 最新的回执。
func (r *ReceiptService) LastReadMessage(conversationID, readerID string) (models.Receipt, bool) {
	var (
		last  models.Receipt
		found bool
	)
	for _, rec := range r.records.Lookup("conversation_reader", store.Key(conversationID, readerID)) {
		if !found || rec.ReadAt.After(last.ReadAt) ||
			(rec.ReadAt.Equal(last.ReadAt) && rec.MessageID > last.MessageID) {
			last, found = rec, true
		}
	}
	return last, found
}

func (r *ReceiptService) WatchReceipts(ctx context.Context, messageIDs []string) *store.Sub[map[string][]models.Receipt] {
	tags := make([]store.Tag, 0, len(messageIDs))
	for _, id := range messageIDs {
		tags = append(tags, r.records.IndexTag("message", id))
	}
	return store.Watch(ctx, r.s, tags, func() (map[string][]models.Receipt, error) {
		return r.BatchReceiptsFor(messageIDs), nil
	}, store.WithName("receipts"))
}

// WatchUnreadCount 订阅会话未读数。消息列表由调用方提供，新消息到达时需重新订阅。
// 除会话索引外还监听每条消息的回执主键，以其他会话 id 写入的回执同样会触发更新。
func (r *ReceiptService) WatchUnreadCount(ctx context.Context, conversationID, readerID string, allMessageIDs, authorIDs []string) *store.Sub[int] {
	tags := make([]store.Tag, 0, len(allMessageIDs)+1)
	tags = append(tags, r.records.IndexTag("conversation_reader", store.Key(conversationID, readerID)))
	for _, id := range allMessageIDs {
		tags = append(tags, r.records.KeyTag(store.Key(id, readerID)))
	}
	return store.Watch(ctx, r.s, tags, func() (int, error) {
		return r.UnreadCountIn(conversationID, readerID, allMessageIDs, authorIDs), nil
	}, store.WithName("conversation.unread_count"))
}

func sortReceipts(rows []models.Receipt) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].ReadAt.Equal(rows[j].ReadAt) {
			return rows[i].ReadAt.Before(rows[j].ReadAt)
		}
		return rows[i].ReaderID < rows[j].ReaderID
	})
}
