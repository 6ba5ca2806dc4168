// Package audit is the Audit Log: a non-authoritative, best-effort
// record of every task's terminal outcome, written through gorm to
// whichever SQL driver the deployment configures (sqlite for a single
// instance, mysql/postgres for a shared one). Nothing in the balancer
// blocks on it; a write failure is logged and dropped rather than
// surfaced to the client or retried.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
)

// Entry is a row recording a task's identity at the moment it left a
// live state, plus why.
type Entry struct {
	ID          uint      `gorm:"primaryKey"`
	TaskID      string    `gorm:"index;size:64"`
	State       string    `gorm:"size:16"`
	ErrorKind   string    `gorm:"size:32"`
	Message     string    `gorm:"size:1024"`
	RecordedAt  time.Time `gorm:"index"`
}

// AdminEntry is a row recording one admin mutation: a backend
// add/remove/enable/disable or a scheduler strategy switch, written
// from the Admin API rather than the Dispatcher.
type AdminEntry struct {
	ID         uint      `gorm:"primaryKey"`
	Action     string    `gorm:"size:32"`
	Target     string    `gorm:"index;size:64"`
	Detail     string    `gorm:"size:1024"`
	RecordedAt time.Time `gorm:"index"`
}

const recordQueueSize = 256

type record struct {
	taskID  string
	state   model.TaskState
	kind    string
	message string
}

type adminRecord struct {
	action string
	target string
	detail string
}

type Log struct {
	*core.BaseComponent

	cfg          config.AuditConfig
	db           *gorm.DB
	records      chan record
	adminRecords chan adminRecord
	cancel       context.CancelFunc
	started      bool
}

func New(cfg config.AuditConfig) *Log {
	return &Log{
		BaseComponent: core.NewBaseComponent("audit", "logging"),
		cfg:           cfg,
		records:       make(chan record, recordQueueSize),
		adminRecords:  make(chan adminRecord, recordQueueSize),
	}
}

func (l *Log) Start(ctx context.Context) error {
	if err := l.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !l.cfg.Enabled {
		return nil
	}

	db, err := open(l.cfg)
	if err != nil {
		return fmt.Errorf("audit db open: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}, &AdminEntry{}); err != nil {
		return fmt.Errorf("audit automigrate: %w", err)
	}
	l.db = db

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(runCtx)

	l.started = true
	logging.L().Infof("audit log started (driver=%s)", l.cfg.Driver)
	return nil
}

func open(cfg config.AuditConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "balancer_audit.db"
		}
		return gorm.Open(sqlite.Open(dsn), gcfg)
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), gcfg)
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gcfg)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}
}

func (l *Log) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-l.records:
			entry := &Entry{
				TaskID:     r.taskID,
				State:      string(r.state),
				ErrorKind:  r.kind,
				Message:    r.message,
				RecordedAt: time.Now(),
			}
			if err := l.db.Create(entry).Error; err != nil {
				logging.L().Warnf("audit write failed for task %s: %v", r.taskID, err)
			}
		case a := <-l.adminRecords:
			entry := &AdminEntry{
				Action:     a.action,
				Target:     a.target,
				Detail:     a.detail,
				RecordedAt: time.Now(),
			}
			if err := l.db.Create(entry).Error; err != nil {
				logging.L().Warnf("audit write failed for admin action %s %s: %v", a.action, a.target, err)
			}
		}
	}
}

// RecordTaskTerminal enqueues a best-effort audit row. Never blocks the
// caller: a full queue drops the record rather than stalling dispatch.
func (l *Log) RecordTaskTerminal(taskID string, state model.TaskState, kind, message string) {
	if !l.started {
		return
	}
	select {
	case l.records <- record{taskID: taskID, state: state, kind: kind, message: message}:
	default:
		logging.L().Warnf("audit queue full, dropping record for task %s", taskID)
	}
}

// RecordAdminMutation enqueues a best-effort audit row for a backend
// add/remove/enable/disable or a scheduler strategy switch. Never
// blocks the caller: a full queue drops the record.
func (l *Log) RecordAdminMutation(action, target, detail string) {
	if !l.started {
		return
	}
	select {
	case l.adminRecords <- adminRecord{action: action, target: target, detail: detail}:
	default:
		logging.L().Warnf("audit queue full, dropping admin record for %s %s", action, target)
	}
}

func (l *Log) Stop(ctx context.Context) error {
	defer func() { _ = l.BaseComponent.Stop(ctx) }()
	if !l.started {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.db != nil {
		if sqlDB, err := l.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	l.started = false
	return nil
}

func (l *Log) HealthCheck() error {
	if err := l.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !l.cfg.Enabled {
		return nil
	}
	if !l.started || l.db == nil {
		return fmt.Errorf("audit log not started")
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
