package risk

import (
	"errors"
	"testing"

	"github.com/skalibog/bmlt/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRisk = models.RiskParameters{TrailingStopPct: 0.02, TakeProfitRatio: 0.05}

func openLong(t *testing.T, m *Manager, entry float64) *models.Position {
	t.Helper()
	p, err := m.Open("BTCUSDT", models.SideLong, 0.01, entry, testRisk)
	require.NoError(t, err)
	return p
}

func TestOpenLevels(t *testing.T) {
	m := NewManager()

	long := openLong(t, m, 100)
	assert.InDelta(t, 98.0, long.StopPrice, 1e-9)
	assert.InDelta(t, 105.0, long.TargetPrice, 1e-9)
	assert.Equal(t, models.PositionOpen, long.Status)
	assert.NotEmpty(t, long.ID)

	short, err := m.Open("ETHUSDT", models.SideShort, 0.1, 200, testRisk)
	require.NoError(t, err)
	assert.InDelta(t, 204.0, short.StopPrice, 1e-9)
	assert.InDelta(t, 190.0, short.TargetPrice, 1e-9)
}

func TestOpenRejectsBadInput(t *testing.T) {
	m := NewManager()

	_, err := m.Open("BTCUSDT", models.SideLong, 0.01, -5, testRisk)
	assert.True(t, errors.Is(err, models.ErrDataIntegrity))

	_, err = m.Open("BTCUSDT", models.SideLong, 0, 100, testRisk)
	assert.True(t, errors.Is(err, models.ErrDataIntegrity))
}

func TestTrailingStopSequence(t *testing.T) {
	// entry=100, pct=0.02: 98.00 -> 102.90 -> 102.90 (max(102.90, 99.96))
	m := NewManager()
	p := openLong(t, m, 100)
	assert.InDelta(t, 98.00, p.StopPrice, 1e-9)

	require.NoError(t, m.Update(p, 105, testRisk))
	assert.InDelta(t, 102.90, p.StopPrice, 1e-9)
	assert.Equal(t, models.PositionOpen, p.Status)

	require.NoError(t, m.Update(p, 104, testRisk))
	assert.InDelta(t, 102.90, p.StopPrice, 1e-9)
}

func TestStopMonotoneWhilePriceRises(t *testing.T) {
	m := NewManager()
	p := openLong(t, m, 100)

	prev := p.StopPrice
	for _, price := range []float64{100.5, 101, 101, 102, 103, 104.9} {
		require.NoError(t, m.Update(p, price, testRisk))
		require.Equal(t, models.PositionOpen, p.Status)
		assert.GreaterOrEqual(t, p.StopPrice, prev)
		prev = p.StopPrice
	}
}

func TestLongTerminalTransitions(t *testing.T) {
	m := NewManager()

	p := openLong(t, m, 100)
	require.NoError(t, m.Update(p, 97.5, testRisk))
	assert.Equal(t, models.PositionClosedLoss, p.Status)
	assert.Equal(t, 97.5, p.ClosePrice)

	p = openLong(t, m, 100)
	require.NoError(t, m.Update(p, 105.2, testRisk))
	assert.Equal(t, models.PositionClosedProfit, p.Status)

	// Терминальная позиция больше не мутирует
	stop := p.StopPrice
	require.NoError(t, m.Update(p, 200, testRisk))
	assert.Equal(t, models.PositionClosedProfit, p.Status)
	assert.Equal(t, stop, p.StopPrice)
}

func TestShortTerminalTransitions(t *testing.T) {
	m := NewManager()

	p, err := m.Open("BTCUSDT", models.SideShort, 0.01, 100, testRisk)
	require.NoError(t, err)
	require.NoError(t, m.Update(p, 102.5, testRisk))
	assert.Equal(t, models.PositionClosedLoss, p.Status)

	p, err = m.Open("BTCUSDT", models.SideShort, 0.01, 100, testRisk)
	require.NoError(t, err)
	require.NoError(t, m.Update(p, 94.9, testRisk))
	assert.Equal(t, models.PositionClosedProfit, p.Status)

	// Стоп шорта только опускается
	p, err = m.Open("BTCUSDT", models.SideShort, 0.01, 100, testRisk)
	require.NoError(t, err)
	require.NoError(t, m.Update(p, 98, testRisk))
	assert.InDelta(t, 99.96, p.StopPrice, 1e-9)
	require.NoError(t, m.Update(p, 99, testRisk))
	assert.InDelta(t, 99.96, p.StopPrice, 1e-9)
}

func TestStopWinsSimultaneousHit(t *testing.T) {
	// Стоп и цель задеты одним тиком: побеждает стоп-лосс
	m := NewManager()
	p := openLong(t, m, 100)

	// Подтягиваем стоп выше цели искусственно широким движением невозможно,
	// поэтому моделируем напрямую: стоп на уровне цели.
	p.StopPrice = p.TargetPrice

	require.NoError(t, m.Update(p, p.TargetPrice, testRisk))
	assert.Equal(t, models.PositionClosedLoss, p.Status)
}

func TestUpdateRejectsBadPrice(t *testing.T) {
	m := NewManager()
	p := openLong(t, m, 100)

	err := m.Update(p, -1, testRisk)
	assert.True(t, errors.Is(err, models.ErrDataIntegrity))
	assert.Equal(t, models.PositionOpen, p.Status)

	err = m.Update(p, 0, testRisk)
	assert.True(t, errors.Is(err, models.ErrDataIntegrity))
}

func TestCloseManual(t *testing.T) {
	m := NewManager()
	p := openLong(t, m, 100)

	require.NoError(t, m.CloseManual(p, 101))
	assert.Equal(t, models.PositionClosedManual, p.Status)
	assert.Equal(t, 101.0, p.ClosePrice)

	// Повторное ручное закрытие не меняет статус
	require.NoError(t, m.CloseManual(p, 99))
	assert.Equal(t, 101.0, p.ClosePrice)
}
