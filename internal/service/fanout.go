package service

import (
	"context"
	"fmt"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
)

// SocialEvent 描述一次社交行为，SourceID 是上游事件的稳定 id，
// 同时作为动态 id 和通知去重键。
type SocialEvent struct {
	SourceID         string                  `json:"source_id"`
	ActorID          string                  `json:"actor_id"`
	ActivityKind     models.ActivityKind     `json:"activity_kind"`
	TargetID         string                  `json:"target_id,omitempty"`
	TargetKind       string                  `json:"target_kind,omitempty"`
	Preview          string                  `json:"preview,omitempty"`
	RecipientID      string                  `json:"recipient_id,omitempty"`
	NotificationKind models.NotificationKind `json:"notification_kind,omitempty"`
	Title            string                  `json:"title,omitempty"`
	Body             string                  `json:"body,omitempty"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
}

type FanoutResult struct {
	Activity         models.Activity     `json:"activity"`
	ActivityAdded    bool                `json:"activity_added"`
	Notification     models.Notification `json:"notification"`
	NotificationSent bool                `json:"notification_sent"`
}

// FanoutService 把一次社交行为拆成两次独立的幂等写入：动态与通知。
// 两步之间没有事务，任一步失败后整体重试不会产生重复记录。
type FanoutService struct {
	activities    *ActivityService
	notifications *NotificationService
}

func NewFanoutService(activities *ActivityService, notifications *NotificationService) *FanoutService {
	return &FanoutService{activities: activities, notifications: notifications}
}

func (f *FanoutService) validate(ev SocialEvent) error {
	if ev.SourceID == "" || ev.ActorID == "" {
		return fmt.Errorf("source and actor id: %w", ErrMissingField)
	}
	if !ev.ActivityKind.Valid() {
		return fmt.Errorf("%q: %w", ev.ActivityKind, ErrInvalidActivityKind)
	}
	if f.notifies(ev) && !ev.NotificationKind.Valid() {
		return fmt.Errorf("%q: %w", ev.NotificationKind, ErrInvalidKind)
	}
	return nil
}

// 没有接收者或接收者就是自己时不发通知。
func (f *FanoutService) notifies(ev SocialEvent) bool {
	return ev.RecipientID != "" && ev.RecipientID != ev.ActorID
}

func (f *FanoutService) SocialAction(ctx context.Context, ev SocialEvent) (FanoutResult, error) {
	var res FanoutResult
	if err := f.validate(ev); err != nil {
		return res, err
	}
	act, added, err := f.activities.Record(ctx, ActivityInput{
		ID:         ev.SourceID,
		ActorID:    ev.ActorID,
		Kind:       ev.ActivityKind,
		TargetID:   ev.TargetID,
		TargetKind: ev.TargetKind,
		Preview:    ev.Preview,
	})
	res.Activity, res.ActivityAdded = act, added
	if err != nil {
		return res, fmt.Errorf("record activity: %w", err)
	}
	if !f.notifies(ev) {
		return res, nil
	}
	n, sent, err := f.notifications.PushOnce(ctx, PushInput{
		RecipientID: ev.RecipientID,
		ActorID:     ev.ActorID,
		Kind:        ev.NotificationKind,
		Title:       ev.Title,
		Body:        ev.Body,
		Metadata:    ev.Metadata,
		SourceID:    ev.SourceID,
	})
	res.Notification, res.NotificationSent = n, sent
	if err != nil {
		return res, fmt.Errorf("push notification: %w", err)
	}
	return res, nil
}

type UndoResult struct {
	ActivitiesRemoved    int `json:"activities_removed"`
	NotificationsRemoved int `json:"notifications_removed"`
}

// UndoSocialAction 撤销动态（按 actor、kind、target 匹配）并删除同源通知。
func (f *FanoutService) UndoSocialAction(ctx context.Context, ev SocialEvent) (UndoResult, error) {
	var res UndoResult
	if ev.ActorID == "" {
		return res, fmt.Errorf("actor id: %w", ErrMissingField)
	}
	n, err := f.activities.Undo(ctx, ev.ActorID, ev.ActivityKind, ev.TargetID)
	res.ActivitiesRemoved = n
	if err != nil {
		return res, fmt.Errorf("undo activity: %w", err)
	}
	if ev.SourceID == "" || ev.RecipientID == "" {
		return res, nil
	}
	n, err = f.notifications.DeleteBySource(ctx, ev.RecipientID, ev.SourceID)
	res.NotificationsRemoved = n
	if err != nil {
		return res, fmt.Errorf("delete notification: %w", err)
	}
	return res, nil
}
