package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kavymi/palytt-monorepo-sub008/internal/models"
)

// Journal 把集合行写穿透到 ephemeral_records 表。
// 同一行按提交时间 last-write-wins，乱序到达的旧写入被忽略。
type Journal struct {
	db *gorm.DB
}

func NewJournal(gdb *gorm.DB) *Journal { return &Journal{db: gdb} }

func (j *Journal) Save(ctx context.Context, collection, key string, data []byte, at time.Time) error {
	rec := models.JournalRecord{
		Collection: collection,
		Key:        key,
		Data:       datatypes.JSON(data),
		UpdatedAt:  at,
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "ephemeral_records.updated_at <= excluded.updated_at"},
		}},
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("journal save %s: %w", collection, err)
	}
	return nil
}

func (j *Journal) Remove(ctx context.Context, collection, key string, at time.Time) error {
	err := j.db.WithContext(ctx).
		Where("collection = ? AND key = ? AND updated_at <= ?", collection, key, at).
		Delete(&models.JournalRecord{}).Error
	if err != nil {
		return fmt.Errorf("journal remove %s: %w", collection, err)
	}
	return nil
}

func (j *Journal) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	var rows []models.JournalRecord
	if err := j.db.WithContext(ctx).Where("collection = ?", collection).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal load %s: %w", collection, err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = []byte(r.Data)
	}
	return out, nil
}

// Truncate 删除某个集合的全部行，目前只有测试用它清理数据。
func (j *Journal) Truncate(ctx context.Context, collection string) (int64, error) {
	res := j.db.WithContext(ctx).Where("collection = ?", collection).Delete(&models.JournalRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("journal truncate %s: %w", collection, res.Error)
	}
	return res.RowsAffected, nil
}
