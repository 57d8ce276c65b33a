package notifier

import (
	"testing"
	"time"

	"github.com/skalibog/bmlt/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestFormatEventPriceSnapshot(t *testing.T) {
	text := formatEvent(models.CycleEvent{
		Kind:      models.EventPriceSnapshot,
		Symbol:    "BTCUSDT",
		Price:     50000.0,
		ChangePct: 1.25,
	})

	assert.Contains(t, text, "BTCUSDT")
	assert.Contains(t, text, "50000.00")
	assert.Contains(t, text, "+1.25%")
}

func TestFormatEventThresholdBreach(t *testing.T) {
	text := formatEvent(models.CycleEvent{
		Kind:      models.EventThresholdBreach,
		Symbol:    "ETHUSDT",
		Price:     3300.0,
		ChangePct: 10.0,
	})

	assert.Contains(t, text, "ETHUSDT")
	assert.Contains(t, text, "10.00%")
	assert.Contains(t, text, "3300.00")
}

func TestFormatEventDecision(t *testing.T) {
	text := formatEvent(models.CycleEvent{
		Kind:   models.EventDecision,
		Symbol: "BTCUSDT",
		Decision: &models.Decision{
			Symbol:     "BTCUSDT",
			Action:     models.ActionBuy,
			Prediction: models.PredictionUp,
			Price:      50000.0,
			Risk:       models.RiskParameters{TrailingStopPct: 0.02, TakeProfitRatio: 0.05},
			At:         time.Now(),
		},
	})

	assert.Contains(t, text, "BUY")
	assert.Contains(t, text, "UP")
	assert.Contains(t, text, "2.0%")
	assert.Contains(t, text, "5.0%")
}

func TestFormatEventPositionClosed(t *testing.T) {
	text := formatEvent(models.CycleEvent{
		Kind:   models.EventPositionClosed,
		Symbol: "BTCUSDT",
		Position: &models.Position{
			Symbol:     "BTCUSDT",
			Status:     models.PositionClosedProfit,
			EntryPrice: 100.0,
			ClosePrice: 107.0,
		},
	})

	assert.Contains(t, text, "CLOSED_PROFIT")
	assert.Contains(t, text, "100.00")
	assert.Contains(t, text, "107.00")
}

// События без обязательных данных не рассылаются
func TestFormatEventEmptyCases(t *testing.T) {
	assert.Empty(t, formatEvent(models.CycleEvent{Kind: models.EventDecision}))
	assert.Empty(t, formatEvent(models.CycleEvent{Kind: models.EventPositionClosed}))
	assert.Empty(t, formatEvent(models.CycleEvent{Kind: models.EventKind("unknown")}))
}
