// Package storage 基于 gorm + sqlite 的脚本存储：已安装脚本、脚本值与依赖缓存。
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glog "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"cdpmonkey/internal/logger"
	"cdpmonkey/pkg/model"
)

var ErrNotFound = errors.New("script not found")

// scriptRecord 已安装脚本；Meta 与 Custom 以 JSON 文本保存
type scriptRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	URI          string `gorm:"uniqueIndex;size:512"`
	Meta         string `gorm:"type:text"`
	Custom       string `gorm:"type:text"`
	Code         string `gorm:"type:text"`
	Enabled      bool
	ShouldUpdate bool
	Position     int `gorm:"index"`
	Warning      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// valueRecord 单个脚本的全部值，Data 为 {key: raw} 的 JSON 文档
type valueRecord struct {
	URI       string `gorm:"primaryKey;size:512"`
	Data      string `gorm:"type:text"`
	UpdatedAt time.Time
}

// cacheRecord 依赖缓存，Entry 为 "mime,base64"
type cacheRecord struct {
	URL       string `gorm:"primaryKey;size:1024"`
	Entry     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Options 存储配置
type Options struct {
	DSN    string
	Prefix string
	Logger logger.Logger
	// LogLevel gorm 日志级别，缺省只记录告警与错误
	LogLevel glog.LogLevel
}

// Store 脚本存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = glog.Warn
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         newGormLogger(opts.Logger, opts.LogLevel),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.AutoMigrate(&scriptRecord{}, &valueRecord{}, &cacheRecord{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return &Store{db: db, log: opts.Logger}, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func toRecord(sc *model.Script) (*scriptRecord, error) {
	meta, err := json.Marshal(sc.Meta)
	if err != nil {
		return nil, err
	}
	custom, err := json.Marshal(sc.Custom)
	if err != nil {
		return nil, err
	}
	return &scriptRecord{
		ID:           int64(sc.ID),
		URI:          sc.URI(),
		Meta:         string(meta),
		Custom:       string(custom),
		Code:         sc.Code,
		Enabled:      sc.Config.Enabled,
		ShouldUpdate: sc.Config.ShouldUpdate,
		Position:     sc.Position,
		Warning:      sc.Warning,
	}, nil
}

func (r *scriptRecord) script() (*model.Script, error) {
	sc := &model.Script{
		ID:       model.ScriptID(r.ID),
		Code:     r.Code,
		Config:   model.ScriptConfig{Enabled: r.Enabled, ShouldUpdate: r.ShouldUpdate},
		Position: r.Position,
		Warning:  r.Warning,
	}
	if err := json.Unmarshal([]byte(r.Meta), &sc.Meta); err != nil {
		return nil, fmt.Errorf("script %d meta: %w", r.ID, err)
	}
	if r.Custom != "" {
		if err := json.Unmarshal([]byte(r.Custom), &sc.Custom); err != nil {
			return nil, fmt.Errorf("script %d custom: %w", r.ID, err)
		}
	}
	return sc, nil
}

// Scripts 全部脚本，按 Position 升序
func (s *Store) Scripts(ctx context.Context) ([]*model.Script, error) {
	var recs []scriptRecord
	if err := s.db.WithContext(ctx).Order("position, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Script, 0, len(recs))
	for i := range recs {
		sc, err := recs[i].script()
		if err != nil {
			s.log.Err(err, "脚本记录损坏，跳过")
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// Get 按 id 取脚本
func (s *Store) Get(ctx context.Context, id model.ScriptID) (*model.Script, error) {
	return s.first(ctx, "id = ?", int64(id))
}

// Query 按 URI 查找已安装的同名脚本，用于重装时覆盖
func (s *Store) Query(ctx context.Context, uri string) (*model.Script, error) {
	return s.first(ctx, "uri = ?", uri)
}

func (s *Store) first(ctx context.Context, where string, arg any) (*model.Script, error) {
	var rec scriptRecord
	err := s.db.WithContext(ctx).Where(where, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.script()
}

// Put 保存脚本；ID 为 0 时新建并排在末尾，回填 ID 与 Position，否则整体覆盖
func (s *Store) Put(ctx context.Context, sc *model.Script) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sc.ID == 0 {
			var last struct{ Max *int }
			if err := tx.Model(&scriptRecord{}).Select("MAX(position) AS max").Scan(&last).Error; err != nil {
				return err
			}
			sc.Position = 1
			if last.Max != nil {
				sc.Position = *last.Max + 1
			}
		}
		rec, err := toRecord(sc)
		if err != nil {
			return err
		}
		if sc.ID == 0 {
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
			sc.ID = model.ScriptID(rec.ID)
			return nil
		}
		res := tx.Select("*").Omit("created_at").Updates(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetEnabled 启用或停用脚本
func (s *Store) SetEnabled(ctx context.Context, id model.ScriptID, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&scriptRecord{}).Where("id = ?", int64(id)).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove 删除脚本及其值
func (s *Store) Remove(ctx context.Context, id model.ScriptID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec scriptRecord
		if err := tx.First(&rec, int64(id)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&valueRecord{}, "uri = ?", rec.URI).Error; err != nil {
			return err
		}
		return tx.Delete(&rec).Error
	})
}

// Values 批量读取脚本值快照
func (s *Store) Values(ctx context.Context, uris []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(uris))
	if len(uris) == 0 {
		return out, nil
	}
	var recs []valueRecord
	if err := s.db.WithContext(ctx).Where("uri IN ?", uris).Find(&recs).Error; err != nil {
		return nil, err
	}
	for _, r := range recs {
		m := make(map[string]string)
		gjson.Parse(r.Data).ForEach(func(k, v gjson.Result) bool {
			m[k.String()] = v.String()
			return true
		})
		out[r.URI] = m
	}
	return out, nil
}

// SetValues 在同一事务中修改值文档
func (s *Store) SetValues(ctx context.Context, uri string, changes map[string]string, removed []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec valueRecord
		err := tx.First(&rec, "uri = ?", uri).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = valueRecord{URI: uri}
		case err != nil:
			return err
		}
		doc := rec.Data
		if doc == "" {
			doc = "{}"
		}
		for k, v := range changes {
			if doc, err = sjson.Set(doc, gjson.Escape(k), v); err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		for _, k := range removed {
			if doc, err = sjson.Delete(doc, gjson.Escape(k)); err != nil {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		rec.Data = doc
		return tx.Save(&rec).Error
	})
}

// Cache 批量读取依赖缓存
func (s *Store) Cache(ctx context.Context, urls []string) (map[string]string, error) {
	out := make(map[string]string, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	var recs []cacheRecord
	if err := s.db.WithContext(ctx).Where("url IN ?", urls).Find(&recs).Error; err != nil {
		return nil, err
	}
	for _, r := range recs {
		out[r.URL] = r.Entry
	}
	return out, nil
}

// PutCache 写入或覆盖依赖缓存
func (s *Store) PutCache(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	recs := make([]cacheRecord, 0, len(entries))
	for u, e := range entries {
		recs = append(recs, cacheRecord{URL: u, Entry: e})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry", "updated_at"}),
	}).Create(&recs).Error
}
