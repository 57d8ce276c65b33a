package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/models"
)

// InfluxDBStorage хранит артефакты цикла: свечи, оценки настроений,
// решения и позиции. Сбои записи не фатальны для цикла.
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	queryAPI := client.QueryAPI(cfg.Organization)
	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)

	return &InfluxDBStorage{
		client:   client,
		queryAPI: queryAPI,
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// SaveCandles сохраняет свечи цикла
func (s *InfluxDBStorage) SaveCandles(ctx context.Context, candles []*models.Candle) error {
	for _, candle := range candles {
		point := influxdb2.NewPoint(
			"candles",
			map[string]string{
				"symbol":   candle.Symbol,
				"interval": candle.Interval,
			},
			map[string]interface{}{
				"open":   candle.Open,
				"high":   candle.High,
				"low":    candle.Low,
				"close":  candle.Close,
				"volume": candle.Volume,
			},
			candle.OpenTime,
		)
		s.writeAPI.WritePoint(point)
	}

	s.writeAPI.Flush()
	return nil
}

// SaveSentiment сохраняет оценку новостного фона
func (s *InfluxDBStorage) SaveSentiment(ctx context.Context, snap models.SentimentSnapshot) error {
	point := influxdb2.NewPoint(
		"sentiment",
		map[string]string{},
		map[string]interface{}{
			"score":     snap.Score,
			"headlines": snap.Headlines,
		},
		snap.At,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// SaveDecision сохраняет решение цикла
func (s *InfluxDBStorage) SaveDecision(ctx context.Context, decision *models.Decision) error {
	point := influxdb2.NewPoint(
		"decisions",
		map[string]string{
			"symbol": decision.Symbol,
			"action": string(decision.Action),
		},
		map[string]interface{}{
			"prediction":        string(decision.Prediction),
			"price":             decision.Price,
			"trailing_stop_pct": decision.Risk.TrailingStopPct,
			"take_profit_ratio": decision.Risk.TakeProfitRatio,
		},
		decision.At,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// SavePosition сохраняет снимок позиции при открытии и закрытии
func (s *InfluxDBStorage) SavePosition(ctx context.Context, position *models.Position) error {
	point := influxdb2.NewPoint(
		"positions",
		map[string]string{
			"symbol": position.Symbol,
			"side":   string(position.Side),
			"status": string(position.Status),
		},
		map[string]interface{}{
			"id":           position.ID,
			"quantity":     position.Quantity,
			"entry_price":  position.EntryPrice,
			"stop_price":   position.StopPrice,
			"target_price": position.TargetPrice,
			"close_price":  position.ClosePrice,
		},
		time.Now(),
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// допустимая форма торгового символа; символ попадает в текст Flux-запроса,
// поэтому все остальное отклоняется до построения запроса
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

// GetDecisionHistory возвращает последние решения по символу
func (s *InfluxDBStorage) GetDecisionHistory(ctx context.Context, symbol string, limit int) ([]*models.Decision, error) {
	if !symbolPattern.MatchString(symbol) {
		return nil, fmt.Errorf("некорректный торговый символ: %q", symbol)
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "decisions")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса решений: %w", err)
	}
	defer result.Close()

	decisions := make([]*models.Decision, 0, limit)
	for result.Next() {
		record := result.Record()
		decision := &models.Decision{
			Symbol: symbol,
			At:     record.Time(),
		}
		if action, ok := record.ValueByKey("action").(string); ok {
			decision.Action = models.Action(action)
		}
		if prediction, ok := record.ValueByKey("prediction").(string); ok {
			decision.Prediction = models.PredictionLabel(prediction)
		}
		if price, ok := record.ValueByKey("price").(float64); ok {
			decision.Price = price
		}
		if pct, ok := record.ValueByKey("trailing_stop_pct").(float64); ok {
			decision.Risk.TrailingStopPct = pct
		}
		if ratio, ok := record.ValueByKey("take_profit_ratio").(float64); ok {
			decision.Risk.TakeProfitRatio = ratio
		}
		decisions = append(decisions, decision)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка чтения результата: %w", result.Err())
	}

	return decisions, nil
}
