package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// FeatureVector представляет вектор признаков, рассчитанный по окну свечей.
// Набор колонок фиксирован: ровно то, что потребляет классификатор.
type FeatureVector struct {
	Close    float64
	Volume   float64
	BBMiddle float64
	BBUpper  float64
	BBLower  float64
	SMA      float64
	RSI      float64
}

// RiskParameters представляет активный набор риск-параметров цикла
type RiskParameters struct {
	TrailingStopPct float64
	TakeProfitRatio float64
}

// SentimentSnapshot представляет последнюю оценку новостного фона.
// Score всегда в диапазоне [-1, 1].
type SentimentSnapshot struct {
	Score     float64
	Headlines int
	At        time.Time
}

// Side направление позиции
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus статус позиции
type PositionStatus string

const (
	PositionOpen         PositionStatus = "OPEN"
	PositionClosedProfit PositionStatus = "CLOSED_PROFIT"
	PositionClosedLoss   PositionStatus = "CLOSED_LOSS"
	PositionClosedManual PositionStatus = "CLOSED_MANUAL"
)

// Position представляет позицию с трейлинг-стопом и тейк-профитом.
// StopPrice для лонга не убывает между обновлениями, TargetPrice
// фиксируется при открытии и не меняется.
type Position struct {
	ID          string
	Symbol      string
	Side        Side
	Quantity    float64
	EntryPrice  float64
	EntryTime   time.Time
	StopPrice   float64
	TargetPrice float64
	Status      PositionStatus
	ClosePrice  float64
	ClosedAt    time.Time
}

// Closed сообщает, находится ли позиция в терминальном статусе
func (p *Position) Closed() bool {
	return p.Status != PositionOpen
}

// Action торговое действие
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// PredictionLabel направление, предсказанное классификатором
type PredictionLabel string

const (
	PredictionUp   PredictionLabel = "UP"
	PredictionDown PredictionLabel = "DOWN"
)

// Decision представляет результат одного цикла принятия решения
type Decision struct {
	Symbol     string
	Action     Action
	Prediction PredictionLabel
	Risk       RiskParameters
	Price      float64
	At         time.Time
}

// EventKind тип события цикла
type EventKind string

const (
	EventPriceSnapshot   EventKind = "price_snapshot"
	EventThresholdBreach EventKind = "threshold_breach"
	EventPositionClosed  EventKind = "position_closed"
	EventDecision        EventKind = "decision"
)

// CycleEvent представляет одностороннее уведомление из цикла оркестратора.
// Ядро только публикует события и не зависит от их доставки.
type CycleEvent struct {
	Kind      EventKind
	Symbol    string
	Price     float64
	ChangePct float64
	Decision  *Decision
	Position  *Position
	At        time.Time
}
