package models

import (
	"time"

	"gorm.io/datatypes"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// Presence 每个 actor 一条，心跳与状态变更整体覆盖。
type Presence struct {
	ActorID        string         `json:"actor_id"`
	Status         PresenceStatus `json:"status"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	CurrentContext string         `json:"current_context,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	DeviceClass    string         `json:"device_class,omitempty"`
}

// Device 是可选的设备信息，随 UpdatePresence 一起写入。
type Device struct {
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
}

type Typing struct {
	ConversationID string    `json:"conversation_id"`
	ActorID        string    `json:"actor_id"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	DisplayName    string    `json:"display_name,omitempty"`
	DisplayImage   string    `json:"display_image,omitempty"`
}

type NotificationKind string

const (
	KindNewFollower     NotificationKind = "new_follower"
	KindFollowRequest   NotificationKind = "follow_request"
	KindPostLike        NotificationKind = "post_like"
	KindPostComment     NotificationKind = "post_comment"
	KindCommentReply    NotificationKind = "comment_reply"
	KindMention         NotificationKind = "mention"
	KindNewMessage      NotificationKind = "new_message"
	KindFriendPost      NotificationKind = "friend_post"
	KindGatheringInvite NotificationKind = "gathering_invite"
	KindGatheringUpdate NotificationKind = "gathering_update"
	KindGatheringVote   NotificationKind = "gathering_vote"
	KindSharedPlace     NotificationKind = "shared_place"
	KindSystem          NotificationKind = "system"
)

var notificationKinds = map[NotificationKind]struct{}{
	KindNewFollower: {}, KindFollowRequest: {}, KindPostLike: {}, KindPostComment: {},
	KindCommentReply: {}, KindMention: {}, KindNewMessage: {}, KindFriendPost: {},
	KindGatheringInvite: {}, KindGatheringUpdate: {}, KindGatheringVote: {},
	KindSharedPlace: {}, KindSystem: {},
}

func (k NotificationKind) Valid() bool {
	_, ok := notificationKinds[k]
	return ok
}

type Notification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	ActorID     string            `json:"actor_id,omitempty"`
	Kind        NotificationKind  `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsRead      bool              `json:"is_read"`
	SourceID    string            `json:"source_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Receipt 只插入不更新，"未读" 即缺少对应的行。
type Receipt struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ActivityKind string

const (
	ActivityPosted    ActivityKind = "posted"
	ActivityLiked     ActivityKind = "liked"
	ActivityCommented ActivityKind = "commented"
	ActivityFollowed  ActivityKind = "followed"
	ActivityJoined    ActivityKind = "joined"
	ActivityShared    ActivityKind = "shared"
)

func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityPosted, ActivityLiked, ActivityCommented, ActivityFollowed, ActivityJoined, ActivityShared:
		return true
	}
	return false
}

type Activity struct {
	ID         string       `json:"id"`
	ActorID    string       `json:"actor_id"`
	Kind       ActivityKind `json:"kind"`
	TargetID   string       `json:"target_id,omitempty"`
	TargetKind string       `json:"target_kind,omitempty"`
	Preview    string       `json:"preview,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

type VoteCategory string

const (
	CategoryVenue VoteCategory = "venue"
	CategoryDate  VoteCategory = "date"
	CategoryTime  VoteCategory = "time"
)

// Categories 固定顺序，用于稳定输出。
var Categories = []VoteCategory{CategoryVenue, CategoryDate, CategoryTime}

func (c VoteCategory) Valid() bool {
	switch c {
	case CategoryVenue, CategoryDate, CategoryTime:
		return true
	}
	return false
}

// Vote 是某个投票人在某个分类下的当前选票，改票即覆盖。
type Vote struct {
	GatheringID      string       `json:"gathering_id"`
	VoterID          string       `json:"voter_id"`
	Category         VoteCategory `json:"category"`
	OptionID         string       `json:"option_id"`
	VoterDisplayName string       `json:"voter_display_name,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type LeaderboardWindow string

const (
	WindowTotal   LeaderboardWindow = "total"
	WindowWeekly  LeaderboardWindow = "weekly"
	WindowMonthly LeaderboardWindow = "monthly"
)

func (w LeaderboardWindow) Valid() bool {
	switch w {
	case WindowTotal, WindowWeekly, WindowMonthly:
		return true
	}
	return false
}

type LeaderboardEntry struct {
	ActorID        string    `json:"actor_id"`
	DisplayName    string    `json:"display_name"`
	TotalCount     int64     `json:"total_count"`
	WeeklyCount    int64     `json:"weekly_count"`
	MonthlyCount   int64     `json:"monthly_count"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	CurrentWeekID  string    `json:"current_week_id"`
	CurrentMonthID string    `json:"current_month_id"`
}

// JournalRecord 是集合行在 Postgres 中的镜像，按 (collection, key) 唯一。
type JournalRecord struct {
	Collection string         `gorm:"primaryKey;size:64"`
	Key        string         `gorm:"primaryKey;size:512"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time      `gorm:"index"`
}

func (JournalRecord) TableName() string { return "ephemeral_records" }
