package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/bmlt/pkg/models"
)

// Manager реализует машину состояний позиции: трейлинг-стоп,
// тейк-профит и терминальные переходы. Чистая логика переходов,
// без ввода-вывода и без повторов.
type Manager struct{}

// NewManager создает новый риск-менеджер
func NewManager() *Manager {
	return &Manager{}
}

// validPrice отсекает мусор на входе: неположительные цены, NaN и Inf
func validPrice(price float64) bool {
	return price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}

// Open создает позицию с начальным стопом и фиксированной целью.
// Стоп: entry*(1-pct) для лонга, entry*(1+pct) для шорта.
// Цель: entry*(1+ratio) для лонга, entry*(1-ratio) для шорта;
// после открытия цель не пересчитывается.
func (m *Manager) Open(symbol string, side models.Side, quantity, entry float64, risk models.RiskParameters) (*models.Position, error) {
	if !validPrice(entry) || quantity <= 0 {
		return nil, fmt.Errorf("%w: entry=%f quantity=%f", models.ErrDataIntegrity, entry, quantity)
	}

	p := &models.Position{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: entry,
		EntryTime:  time.Now(),
		Status:     models.PositionOpen,
	}

	switch side {
	case models.SideLong:
		p.StopPrice = entry * (1 - risk.TrailingStopPct)
		p.TargetPrice = entry * (1 + risk.TakeProfitRatio)
	case models.SideShort:
		p.StopPrice = entry * (1 + risk.TrailingStopPct)
		p.TargetPrice = entry * (1 - risk.TakeProfitRatio)
	default:
		return nil, fmt.Errorf("%w: неизвестная сторона позиции %q", models.ErrDataIntegrity, side)
	}

	return p, nil
}

// Update выполняет один шаг машины состояний по текущей цене.
// Сначала терминальные проверки в фиксированном порядке: стоп раньше цели,
// при одновременном срабатывании побеждает стоп-лосс (защита капитала).
// Только затем, если позиция еще открыта, подтягивается стоп:
// для лонга он никогда не опускается, для шорта никогда не поднимается.
func (m *Manager) Update(p *models.Position, price float64, risk models.RiskParameters) error {
	if !validPrice(price) {
		return fmt.Errorf("%w: цена %f для %s", models.ErrDataIntegrity, price, p.Symbol)
	}
	if p.Closed() {
		return nil
	}

	switch p.Side {
	case models.SideLong:
		if price <= p.StopPrice {
			m.close(p, price, models.PositionClosedLoss)
			return nil
		}
		if price >= p.TargetPrice {
			m.close(p, price, models.PositionClosedProfit)
			return nil
		}
		p.StopPrice = math.Max(p.StopPrice, price*(1-risk.TrailingStopPct))
	case models.SideShort:
		if price >= p.StopPrice {
			m.close(p, price, models.PositionClosedLoss)
			return nil
		}
		if price <= p.TargetPrice {
			m.close(p, price, models.PositionClosedProfit)
			return nil
		}
		p.StopPrice = math.Min(p.StopPrice, price*(1+risk.TrailingStopPct))
	default:
		return fmt.Errorf("%w: неизвестная сторона позиции %q", models.ErrDataIntegrity, p.Side)
	}

	return nil
}

// CloseManual закрывает открытую позицию по внешнему решению,
// например при развороте сигнала на противоположную сторону.
func (m *Manager) CloseManual(p *models.Position, price float64) error {
	if !validPrice(price) {
		return fmt.Errorf("%w: цена %f для %s", models.ErrDataIntegrity, price, p.Symbol)
	}
	if p.Closed() {
		return nil
	}
	m.close(p, price, models.PositionClosedManual)
	return nil
}

func (m *Manager) close(p *models.Position, price float64, status models.PositionStatus) {
	p.Status = status
	p.ClosePrice = price
	p.ClosedAt = time.Now()
}
