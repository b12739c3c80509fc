// Package history archives closed positions in SQLite and summarises results.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
)

// ErrNotClosed is returned when archiving a position that still has live legs.
var ErrNotClosed = errors.New("position is not closed")

// archiveTimeout bounds a single archive write triggered by a lifecycle event.
const archiveTimeout = 5 * time.Second

// Statistics summarises archived trades.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	CurrentStreak int     `json:"current_streak"`
}

// Store is an append-only archive of closed positions.
type Store struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

// Open creates (or opens) the archive database at path.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return NewFromDB(db, log)
}

// NewFromDB migrates the schema on an existing connection.
func NewFromDB(db *gorm.DB, log logrus.FieldLogger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := db.AutoMigrate(&TradeModel{}, &LegModel{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{db: db, logger: log.WithField("component", "history")}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Archive records a closed position. Archiving the same position twice is a no-op.
func (s *Store) Archive(ctx context.Context, p *models.Position) error {
	if p == nil {
		return fmt.Errorf("cannot archive nil position")
	}
	if !p.Status().IsClosed() {
		return fmt.Errorf("archive %s: %w", p.ID, ErrNotClosed)
	}
	trade := tradeFromPosition(p)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			DoNothing: true,
		}).Omit("Legs").Create(&trade)
		if res.Error != nil {
			return fmt.Errorf("insert trade %s: %w", p.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for i := range trade.Legs {
			trade.Legs[i].TradeID = trade.ID
		}
		if len(trade.Legs) > 0 {
			if err := tx.Create(&trade.Legs).Error; err != nil {
				return fmt.Errorf("insert legs for %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func tradeFromPosition(p *models.Position) TradeModel {
	trade := TradeModel{
		PositionID:       p.ID,
		Strategy:         p.Strategy,
		CorrelationGroup: p.CorrelationGroup,
		OpenedAt:         p.EntryTime(),
		RealizedPnL:      p.RealizedPnL(),
		LegCount:         len(p.Legs),
	}
	add := func(leg *models.Leg, rolled bool) {
		m := LegModel{
			LegID:       leg.ID,
			Role:        leg.Role,
			Symbol:      leg.Symbol(),
			Status:      string(leg.Status),
			ExitReason:  string(leg.ExitReason),
			RolledFrom:  leg.RolledFrom,
			RolledTo:    leg.RolledTo,
			Quantity:    leg.FilledQuantity,
			Multiplier:  leg.Multiplier,
			FillTime:    leg.FillTime,
			ExitTime:    leg.ExitTime,
			RealizedPnL: leg.RealizedPnL(),
			Rolled:      rolled,
		}
		if leg.FillPrice != nil {
			m.FillPrice = *leg.FillPrice
		}
		if leg.ExitPrice != nil {
			m.ExitPrice = *leg.ExitPrice
		}
		if leg.ExitTime.After(trade.ClosedAt) {
			trade.ClosedAt = leg.ExitTime
		}
		trade.Legs = append(trade.Legs, m)
	}
	for _, leg := range p.RolledLegs {
		add(leg, true)
	}
	for _, leg := range p.Legs {
		add(leg, false)
	}
	return trade
}

// Trades returns archived trades newest first, legs included. limit <= 0 means all.
func (s *Store) Trades(ctx context.Context, strategy string, limit int) ([]TradeModel, error) {
	var trades []TradeModel
	q := s.db.WithContext(ctx).Preload("Legs").Order("closed_at DESC")
	if strategy != "" {
		q = q.Where("strategy = ?", strategy)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// Statistics replays archived trades in close order.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	var pnls []decimal.Decimal
	err := s.db.WithContext(ctx).Model(&TradeModel{}).Order("closed_at ASC").Order("id ASC").
		Pluck("realized_pnl", &pnls).Error
	if err != nil {
		return nil, err
	}
	return computeStatistics(pnls), nil
}

func computeStatistics(pnls []decimal.Decimal) *Statistics {
	stats := &Statistics{}
	var total, wins, losses, peak, drawdown decimal.Decimal
	for _, pnl := range pnls {
		stats.TotalTrades++
		total = total.Add(pnl)
		if pnl.IsPositive() {
			stats.WinningTrades++
			wins = wins.Add(pnl)
			if stats.CurrentStreak >= 0 {
				stats.CurrentStreak++
			} else {
				stats.CurrentStreak = 1
			}
		} else {
			stats.LosingTrades++
			losses = losses.Add(pnl)
			if stats.CurrentStreak <= 0 {
				stats.CurrentStreak--
			} else {
				stats.CurrentStreak = -1
			}
		}
		if total.GreaterThan(peak) {
			peak = total
		}
		if dd := total.Sub(peak); dd.LessThan(drawdown) {
			drawdown = dd
		}
	}
	stats.TotalPnL = total.InexactFloat64()
	stats.MaxDrawdown = drawdown.InexactFloat64()
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	if stats.WinningTrades > 0 {
		stats.AverageWin = wins.Div(decimal.NewFromInt(int64(stats.WinningTrades))).InexactFloat64()
	}
	if stats.LosingTrades > 0 {
		stats.AverageLoss = losses.Div(decimal.NewFromInt(int64(stats.LosingTrades))).InexactFloat64()
	}
	return stats
}

// Observer archives positions as they close. Failures are logged, never raised.
func (s *Store) Observer() portfolio.Observer {
	return portfolio.ObserverFunc(func(e portfolio.Event) {
		if e.Type != portfolio.EventClosed || e.Position == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.Archive(ctx, e.Position); err != nil {
			s.logger.WithField("position_id", e.PositionID).WithError(err).Error("Failed to archive closed position")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"position_id":  e.PositionID,
			"strategy":     e.Strategy,
			"realized_pnl": e.Position.RealizedPnL().StringFixed(2),
		}).Info("Archived closed position")
	})
}
