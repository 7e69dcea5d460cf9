// Package store persists membership transitions to a relational database.
package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Config 数据库配置
type Config struct {
	Driver          string // postgres, mysql
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	Charset         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime int // 秒
}

// MembershipRecord is one journaled transition.
type MembershipRecord struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	CoordinatorID string    `gorm:"size:64;index" json:"coordinatorId"`
	NodeID        string    `gorm:"size:128;index" json:"nodeId"`
	FromState     string    `gorm:"size:16" json:"fromState"`
	ToState       string    `gorm:"size:16;index" json:"toState"`
	Reason        string    `gorm:"size:255" json:"reason"`
	At            time.Time `gorm:"index" json:"at"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TableName 表名
func (MembershipRecord) TableName() string {
	return "t_membership_transition"
}

// Dialector builds the gorm dialector for cfg.
func Dialector(cfg *Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		charset := cfg.Charset
		if charset == "" {
			charset = "utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, charset)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open 打开数据库并迁移表结构
func Open(cfg *Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := db.AutoMigrate(&MembershipRecord{}); err != nil {
		return nil, fmt.Errorf("migrate membership journal: %w", err)
	}
	return db, nil
}

// GormJournal appends membership transitions.
type GormJournal struct {
	db            *gorm.DB
	coordinatorID string
}

// NewGormJournal creates a journal writing on db.
func NewGormJournal(db *gorm.DB, coordinatorID string) *GormJournal {
	return &GormJournal{db: db, coordinatorID: coordinatorID}
}

// Record appends t.
func (j *GormJournal) Record(ctx context.Context, t types.Transition) error {
	rec := toRecord(j.coordinatorID, t)
	return j.db.WithContext(ctx).Create(&rec).Error
}

// History returns the transitions of a node, oldest first.
func (j *GormJournal) History(ctx context.Context, id types.NodeID, limit int) ([]types.Transition, error) {
	var recs []MembershipRecord
	q := j.db.WithContext(ctx).
		Where("coordinator_id = ? AND node_id = ?", j.coordinatorID, string(id)).
		Order("at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]types.Transition, len(recs))
	for i, r := range recs {
		out[i] = types.Transition{
			NodeID: types.NodeID(r.NodeID),
			From:   types.MemberState(r.FromState),
			To:     types.MemberState(r.ToState),
			Reason: r.Reason,
			At:     r.At,
		}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(coordinatorID string, t types.Transition) MembershipRecord {
	return MembershipRecord{
		CoordinatorID: coordinatorID,
		NodeID:        string(t.NodeID),
		FromState:     string(t.From),
		ToState:       string(t.To),
		Reason:        t.Reason,
		At:            t.At,
	}
}
