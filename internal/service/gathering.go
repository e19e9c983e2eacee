package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// GatheringService 是聚会投票的共识引擎：每个投票人在每个分类下
// 最多持有一张当前选票，改票即覆盖，因此不会重复计数。
type GatheringService struct {
	s     *store.Store
	votes *store.Collection[models.Vote]
}

func NewGatheringService(s *store.Store) *GatheringService {
	return &GatheringService{
		s: s,
		votes: store.NewCollection(s, "votes",
			func(v models.Vote) string { return store.Key(v.GatheringID, v.VoterID, string(v.Category)) },
			store.Index[models.Vote]{Name: "gathering", Key: func(v models.Vote) string { return v.GatheringID }},
		),
	}
}

func (g *GatheringService) Collection() *store.Collection[models.Vote] { return g.votes }

type OptionTally struct {
	OptionID   string   `json:"option_id"`
	Count      int      `json:"count"`
	VoterNames []string `json:"voter_names"`
	// FirstVoteAt 是该选项当前所有选票中最早的投出时间，用于平票裁决。
	FirstVoteAt time.Time `json:"first_vote_at"`
}

type CategoryTally struct {
	// Options 按 FirstVoteAt、OptionID 排序。
	Options []OptionTally `json:"options"`
	Voters  int           `json:"voters"`
}

type Tallies struct {
	GatheringID string                                `json:"gathering_id"`
	Categories  map[models.VoteCategory]CategoryTally `json:"categories"`
	TotalVoters int                                   `json:"total_voters"`
	LastUpdated time.Time                             `json:"last_updated"`
}

// Option 返回指定分类下某个选项的计票，不存在时 Count 为 0。
func (t Tallies) Option(category models.VoteCategory, optionID string) OptionTally {
	for _, o := range t.Categories[category].Options {
		if o.OptionID == optionID {
			return o
		}
	}
	return OptionTally{OptionID: optionID}
}

type Leader struct {
	Category    models.VoteCategory `json:"category"`
	OptionID    string              `json:"option_id"`
	Count       int                 `json:"count"`
	Tied        bool                `json:"tied"`
	TiedOptions []string            `json:"tied_options,omitempty"`
}

// CastVote 按 (gathering, voter, category) upsert；改票保留首次投票的 createdAt。
func (g *GatheringService) CastVote(ctx context.Context, gatheringID, voterID string, category models.VoteCategory, optionID, displayName string) (models.Vote, error) {
	if gatheringID == "" || voterID == "" || optionID == "" {
		return models.Vote{}, fmt.Errorf("gathering, voter and option id: %w", ErrMissingField)
	}
	if !category.Valid() {
		return models.Vote{}, fmt.Errorf("%q: %w", category, ErrInvalidCategory)
	}
	now := g.s.Now()
	key := store.Key(gatheringID, voterID, string(category))
	vote, _, err := g.votes.Mutate(ctx, key, func(cur models.Vote, exists bool) (models.Vote, bool) {
		next := models.Vote{
			GatheringID:      gatheringID,
			VoterID:          voterID,
			Category:         category,
			OptionID:         optionID,
			VoterDisplayName: displayName,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if exists {
			next.CreatedAt = cur.CreatedAt
			if next.VoterDisplayName == "" {
				next.VoterDisplayName = cur.VoterDisplayName
			}
			// 重复投同一选项不改变 updatedAt，避免影响平票顺序
			if cur.OptionID == optionID && cur.VoterDisplayName == next.VoterDisplayName {
				return cur, false
			}
		}
		return next, true
	})
	return vote, err
}

// RemoveVote 删除选票；没有选票时返回 false。
func (g *GatheringService) RemoveVote(ctx context.Context, gatheringID, voterID string, category models.VoteCategory) (bool, error) {
	if !category.Valid() {
		return false, fmt.Errorf("%q: %w", category, ErrInvalidCategory)
	}
	return g.votes.Delete(ctx, store.Key(gatheringID, voterID, string(category)))
}

// ClearGathering 在上游删除决策时批量清除全部选票。
func (g *GatheringService) ClearGathering(ctx context.Context, gatheringID string) (int, error) {
	return g.votes.DeleteByIndex(ctx, "gathering", gatheringID, nil)
}

// RemoveVoterVotes 撤回某个投票人在聚会中各类别的全部选票。
func (g *GatheringService) RemoveVoterVotes(ctx context.Context, gatheringID, voterID string) (int, error) {
	if voterID == "" {
		return 0, fmt.Errorf("voter id: %w", ErrMissingField)
	}
	return g.votes.DeleteByIndex(ctx, "gathering", gatheringID, func(v models.Vote) bool { return v.VoterID == voterID })
}

func (g *GatheringService) Tallies(gatheringID string) Tallies {
	t := Tallies{GatheringID: gatheringID, Categories: make(map[models.VoteCategory]CategoryTally)}
	byOption := make(map[models.VoteCategory]map[string]*OptionTally)
	categoryVoters := make(map[models.VoteCategory]int)
	voters := make(map[string]struct{})

	votes := g.votes.Lookup("gathering", gatheringID)
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].UpdatedAt.Before(votes[j].UpdatedAt) })
	for _, v := range votes {
		voters[v.VoterID] = struct{}{}
		categoryVoters[v.Category]++
		if v.UpdatedAt.After(t.LastUpdated) {
			t.LastUpdated = v.UpdatedAt
		}
		opts := byOption[v.Category]
		if opts == nil {
			opts = make(map[string]*OptionTally)
			byOption[v.Category] = opts
		}
		o := opts[v.OptionID]
		if o == nil {
			o = &OptionTally{OptionID: v.OptionID, FirstVoteAt: v.UpdatedAt, VoterNames: []string{}}
			opts[v.OptionID] = o
		}
		o.Count++
		name := v.VoterDisplayName
		if name == "" {
			name = v.VoterID
		}
		o.VoterNames = append(o.VoterNames, name)
	}
	for category, opts := range byOption {
		ct := CategoryTally{Voters: categoryVoters[category], Options: make([]OptionTally, 0, len(opts))}
		for _, o := range opts {
			ct.Options = append(ct.Options, *o)
		}
		sort.Slice(ct.Options, func(i, j int) bool {
			a, b := ct.Options[i], ct.Options[j]
			if !a.FirstVoteAt.Equal(b.FirstVoteAt) {
				return a.FirstVoteAt.Before(b.FirstVoteAt)
			}
			return a.OptionID < b.OptionID
		})
		t.Categories[category] = ct
	}
	t.TotalVoters = len(voters)
	return t
}

// GetLeader 返回每个有选票的分类的领先选项。
// 平票时按选项获得当前选票的先后（FirstVoteAt，再按 OptionID）取第一个达到最高票数的选项，
// 并标记 Tied，由前端决定是否展示为 "暂无领先"。
func (g *GatheringService) GetLeader(gatheringID string) map[models.VoteCategory]Leader {
	return leadersOf(g.Tallies(gatheringID))
}

func leadersOf(t Tallies) map[models.VoteCategory]Leader {
	out := make(map[models.VoteCategory]Leader, len(t.Categories))
	for category, ct := range t.Categories {
		var l Leader
		l.Category = category
		for _, o := range ct.Options {
			if o.Count > l.Count {
				l.OptionID, l.Count = o.OptionID, o.Count
			}
		}
		if l.Count == 0 {
			continue
		}
		for _, o := range ct.Options {
			if o.Count == l.Count {
				l.TiedOptions = append(l.TiedOptions, o.OptionID)
			}
		}
		if len(l.TiedOptions) > 1 {
			l.Tied = true
		} else {
			l.TiedOptions = nil
		}
		out[category] = l
	}
	return out
}

// GetUserVotes 返回投票人在各分类下的当前选票。
func (g *GatheringService) GetUserVotes(gatheringID, voterID string) map[models.VoteCategory]models.Vote {
	out := make(map[models.VoteCategory]models.Vote)
	for _, c := range models.Categories {
		if v, ok := g.votes.Get(store.Key(gatheringID, voterID, string(c))); ok {
			out[c] = v
		}
	}
	return out
}

func (g *GatheringService) GetVotesByOption(gatheringID string, category models.VoteCategory, optionID string) []models.Vote {
	out := make([]models.Vote, 0)
	for _, v := range g.votes.Lookup("gathering", gatheringID) {
		if v.Category == category && v.OptionID == optionID {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// TallySnapshot 是推送给订阅者的计票与领先者组合。
type TallySnapshot struct {
	Tallies
	Leaders map[models.VoteCategory]Leader `json:"leaders"`
}

func (g *GatheringService) WatchTallies(ctx context.Context, gatheringID string) *store.Sub[TallySnapshot] {
	tags := []store.Tag{g.votes.IndexTag("gathering", gatheringID)}
	return store.Watch(ctx, g.s, tags, func() (TallySnapshot, error) {
		t := g.Tallies(gatheringID)
		return TallySnapshot{Tallies: t, Leaders: leadersOf(t)}, nil
	}, store.WithName("gathering.tallies"))
}
