package sentiment

import (
	"github.com/skalibog/bmlt/pkg/models"
)

// Пресеты риск-параметров по трем дискретным корзинам настроений.
// Без интерполяции: корзина выбирается по порогам +-0.5.
var (
	bearishPreset = models.RiskParameters{TrailingStopPct: 0.03, TakeProfitRatio: 0.03}
	neutralPreset = models.RiskParameters{TrailingStopPct: 0.02, TakeProfitRatio: 0.05}
	bullishPreset = models.RiskParameters{TrailingStopPct: 0.015, TakeProfitRatio: 0.07}
)

// Clamp ограничивает оценку настроений диапазоном [-1, 1]
func Clamp(score float64) float64 {
	if score < -1 {
		return -1
	}
	if score > 1 {
		return 1
	}
	return score
}

// RiskParametersFor возвращает риск-параметры для оценки настроений.
// Оценка предварительно ограничивается диапазоном [-1, 1].
func RiskParametersFor(score float64) models.RiskParameters {
	score = Clamp(score)
	switch {
	case score < -0.5:
		return bearishPreset
	case score > 0.5:
		return bullishPreset
	default:
		return neutralPreset
	}
}
