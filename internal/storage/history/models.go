package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeModel is one closed position.
type TradeModel struct {
	ClosedAt         time.Time       `gorm:"index" json:"closed_at"`
	OpenedAt         time.Time       `json:"opened_at"`
	CreatedAt        time.Time       `json:"created_at"`
	PositionID       string          `gorm:"uniqueIndex;size:64" json:"position_id"`
	Strategy         string          `gorm:"index;size:64" json:"strategy"`
	CorrelationGroup string          `gorm:"size:64" json:"correlation_group"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:text" json:"realized_pnl"`
	Legs             []LegModel      `gorm:"foreignKey:TradeID" json:"legs,omitempty"`
	ID               uint            `gorm:"primaryKey" json:"id"`
	LegCount         int             `json:"leg_count"`
}

func (TradeModel) TableName() string { return "trades" }

// LegModel is one leg of a closed position, rolled-out legs included.
type LegModel struct {
	FillTime    time.Time       `json:"fill_time"`
	ExitTime    time.Time       `json:"exit_time"`
	LegID       string          `gorm:"index;size:64" json:"leg_id"`
	Role        string          `gorm:"size:64" json:"role"`
	Symbol      string          `gorm:"size:64" json:"symbol"`
	Status      string          `gorm:"size:32" json:"status"`
	ExitReason  string          `gorm:"size:32" json:"exit_reason,omitempty"`
	RolledFrom  string          `gorm:"size:64" json:"rolled_from,omitempty"`
	RolledTo    string          `gorm:"size:64" json:"rolled_to,omitempty"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:text" json:"realized_pnl"`
	FillPrice   float64         `json:"fill_price"`
	ExitPrice   float64         `json:"exit_price"`
	ID          uint            `gorm:"primaryKey" json:"id"`
	TradeID     uint            `gorm:"index" json:"-"`
	Quantity    int             `json:"quantity"`
	Multiplier  int             `json:"multiplier"`
	Rolled      bool            `json:"rolled"`
}

func (LegModel) TableName() string { return "trade_legs" }
