package features

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/models"
)

// Pipeline рассчитывает векторы признаков по окну свечей.
// Чистое преобразование: без состояния между вызовами и без побочных эффектов.
type Pipeline struct {
	config config.FeaturesConfig
}

// NewPipeline создает новый конвейер признаков
func NewPipeline(cfg config.FeaturesConfig) *Pipeline {
	return &Pipeline{
		config: cfg,
	}
}

// Window возвращает минимальное число свечей для расчета:
// максимум из окон RSI, Bollinger и SMA. RSI по Уайлдеру требует
// period+1 точек, поэтому учитываем и его.
func (p *Pipeline) Window() int {
	w := p.config.SMAPeriod
	if p.config.BBPeriod > w {
		w = p.config.BBPeriod
	}
	if p.config.RSIPeriod+1 > w {
		w = p.config.RSIPeriod + 1
	}
	return w
}

// Compute рассчитывает векторы признаков по упорядоченной последовательности свечей.
// Один вектор на индекс свечи начиная с момента, когда самое длинное окно заполнено;
// более ранним индексам векторы не соответствуют.
func (p *Pipeline) Compute(candles []*models.Candle) ([]models.FeatureVector, error) {
	w := p.Window()
	if len(candles) < w {
		return nil, fmt.Errorf("%w: %d свечей при окне %d", models.ErrInsufficientData, len(candles), w)
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	// Рассчитываем индикаторы
	rsi := talib.Rsi(closes, p.config.RSIPeriod)
	upper, middle, lower := talib.BBands(closes, p.config.BBPeriod, 2.0, 2.0, talib.SMA)
	sma := talib.Sma(closes, p.config.SMAPeriod)

	// Отбрасываем разогревочную зону: векторы существуют только там,
	// где заполнены все три окна.
	vectors := make([]models.FeatureVector, 0, len(candles)-w+1)
	for i := w - 1; i < len(candles); i++ {
		vectors = append(vectors, models.FeatureVector{
			Close:    closes[i],
			Volume:   volumes[i],
			BBMiddle: middle[i],
			BBUpper:  upper[i],
			BBLower:  lower[i],
			SMA:      sma[i],
			RSI:      rsi[i],
		})
	}

	return vectors, nil
}
