package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/internal/exchange"
	"github.com/skalibog/bmlt/internal/features"
	"github.com/skalibog/bmlt/internal/risk"
	"github.com/skalibog/bmlt/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- заглушки коллабораторов ---

type stubMarket struct {
	closes map[string][]float64
	errs   map[string]error
}

func (m *stubMarket) GetKlines(_ context.Context, symbol, interval string, _ int) ([]*models.Candle, error) {
	if err := m.errs[symbol]; err != nil {
		return nil, err
	}
	closes := m.closes[symbol]
	start := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]*models.Candle, len(closes))
	for i, c := range closes {
		candles[i] = &models.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     c, High: c, Low: c, Close: c,
			Volume:    100,
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return candles, nil
}

type execCall struct {
	symbol string
	action models.Action
}

type stubExecutor struct {
	err       error
	fillPrice float64
	calls     []execCall
}

func (e *stubExecutor) PlaceMarketOrder(_ context.Context, symbol string, action models.Action, _, refPrice float64) (*exchange.Fill, error) {
	e.calls = append(e.calls, execCall{symbol: symbol, action: action})
	if e.err != nil {
		return nil, e.err
	}
	price := e.fillPrice
	if price == 0 {
		price = refPrice
	}
	return &exchange.Fill{Price: price, Status: "FILLED"}, nil
}

type stubSentiment struct {
	score float64
}

func (s *stubSentiment) Latest(_ context.Context) models.SentimentSnapshot {
	return models.SentimentSnapshot{Score: s.score, At: time.Now()}
}

type stubPredictor struct {
	label        models.PredictionLabel
	predictErr   error
	trainCalls   int
	loadCalls    int
	cycles       int
	retrainEvery int
}

func (s *stubPredictor) Train(_ []models.FeatureVector) error {
	s.trainCalls++
	s.cycles = 0
	return nil
}

func (s *stubPredictor) Predict(_ []models.FeatureVector) (models.PredictionLabel, error) {
	if s.predictErr != nil {
		return "", s.predictErr
	}
	return s.label, nil
}

func (s *stubPredictor) LoadOrTrain(_ []models.FeatureVector) error {
	s.loadCalls++
	return nil
}

func (s *stubPredictor) CycleDone() bool {
	s.cycles++
	return s.retrainEvery > 0 && s.cycles >= s.retrainEvery
}

// --- сборка тестового оркестратора ---

func testConfig(symbols ...string) *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Symbols:         symbols,
			Interval:        "1h",
			CandleLimit:     10,
			OrderQuantity:   0.01,
			CycleSeconds:    300,
			SelectionPolicy: "last_close",
		},
		Features: config.FeaturesConfig{RSIPeriod: 2, BBPeriod: 3, SMAPeriod: 3},
		Telegram: config.TelegramConfig{AlertChangePct: 5},
	}
}

type fixture struct {
	orch      *Orchestrator
	market    *stubMarket
	executor  *stubExecutor
	predictor *stubPredictor
}

func newFixture(cfg *config.Config, market *stubMarket, predictor *stubPredictor) *fixture {
	executor := &stubExecutor{}
	orch := New(cfg, features.NewPipeline(cfg.Features), market, executor,
		&stubSentiment{}, predictor, risk.NewManager(), nil)
	return &fixture{orch: orch, market: market, executor: executor, predictor: predictor}
}

func drainEvents(o *Orchestrator) []models.CycleEvent {
	events := make([]models.CycleEvent, 0)
	for {
		select {
		case e := <-o.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func eventKinds(events []models.CycleEvent) []models.EventKind {
	kinds := make([]models.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// --- тесты ---

func TestCycleOpensPositionOnBuy(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{
		"AAAUSDT": {10, 10.1, 10.2, 10.3},
		"BBBUSDT": {100, 101, 102, 103},
	}}
	f := newFixture(testConfig("AAAUSDT", "BBBUSDT"), market, &stubPredictor{label: models.PredictionUp})

	f.orch.Cycle(context.Background())

	// Кандидат выбирается по максимальной последней цене закрытия
	require.Len(t, f.executor.calls, 1)
	assert.Equal(t, "BBBUSDT", f.executor.calls[0].symbol)
	assert.Equal(t, models.ActionBuy, f.executor.calls[0].action)

	snap := f.orch.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, models.SideLong, snap.Positions[0].Side)
	assert.Equal(t, 103.0, snap.Positions[0].EntryPrice)
	require.Len(t, snap.Decisions, 1)
	assert.Equal(t, models.ActionBuy, snap.Decisions[0].Action)

	// Стартовое восстановление модели выполняется ровно один раз
	assert.Equal(t, 1, f.predictor.loadCalls)
	f.orch.Cycle(context.Background())
	assert.Equal(t, 1, f.predictor.loadCalls)

	assert.Contains(t, eventKinds(drainEvents(f.orch)), models.EventDecision)
}

func TestCycleSkipsFailedSymbol(t *testing.T) {
	// Сбой одного символа не прерывает цикл для остальных
	market := &stubMarket{
		closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}},
		errs:   map[string]error{"BBBUSDT": errors.New("биржа недоступна")},
	}
	f := newFixture(testConfig("AAAUSDT", "BBBUSDT"), market, &stubPredictor{label: models.PredictionUp})

	f.orch.Cycle(context.Background())

	require.Len(t, f.executor.calls, 1)
	assert.Equal(t, "AAAUSDT", f.executor.calls[0].symbol)
}

func TestCycleNoValidSymbols(t *testing.T) {
	market := &stubMarket{
		closes: map[string][]float64{"AAAUSDT": {10, 10.1}}, // меньше окна признаков
		errs:   map[string]error{"BBBUSDT": errors.New("биржа недоступна")},
	}
	predictor := &stubPredictor{label: models.PredictionUp}
	f := newFixture(testConfig("AAAUSDT", "BBBUSDT"), market, predictor)

	f.orch.Cycle(context.Background())

	assert.Empty(t, f.executor.calls)
	assert.Empty(t, f.orch.Snapshot().Decisions)
	// Счетчик циклов растет даже в пропущенном цикле
	assert.Equal(t, 1, predictor.cycles)
}

func TestCycleModelUnavailable(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	f := newFixture(testConfig("AAAUSDT"), market, &stubPredictor{predictErr: models.ErrModelUnavailable})

	f.orch.Cycle(context.Background())

	// Решение пропущено, ордера нет, процесс жив
	assert.Empty(t, f.executor.calls)
	assert.Empty(t, f.orch.Snapshot().Decisions)
}

func TestCycleExecutionFailureKeepsState(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	f := newFixture(testConfig("AAAUSDT"), market, &stubPredictor{label: models.PredictionUp})
	f.executor.err = fmt.Errorf("ордер не размещен")

	f.orch.Cycle(context.Background())

	// Решение зафиксировано, но позиция не открыта
	assert.Len(t, f.orch.Snapshot().Decisions, 1)
	assert.Empty(t, f.orch.Snapshot().Positions)

	// Следующий цикл не заблокирован прошлым сбоем
	f.executor.err = nil
	f.orch.Cycle(context.Background())
	assert.Len(t, f.orch.Snapshot().Positions, 1)
}

func TestCycleReversesOppositePosition(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	predictor := &stubPredictor{label: models.PredictionUp}
	f := newFixture(testConfig("AAAUSDT"), market, predictor)

	f.orch.Cycle(context.Background())
	require.Len(t, f.orch.Snapshot().Positions, 1)
	require.Equal(t, models.SideLong, f.orch.Snapshot().Positions[0].Side)
	drainEvents(f.orch)

	// Разворот сигнала: лонг закрывается вручную, открывается шорт
	predictor.label = models.PredictionDown
	f.orch.Cycle(context.Background())

	snap := f.orch.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, models.SideShort, snap.Positions[0].Side)

	events := drainEvents(f.orch)
	var closedEvent *models.CycleEvent
	for i := range events {
		if events[i].Kind == models.EventPositionClosed {
			closedEvent = &events[i]
		}
	}
	require.NotNil(t, closedEvent)
	assert.Equal(t, models.PositionClosedManual, closedEvent.Position.Status)
}

func TestCycleSamePositionNotStacked(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	f := newFixture(testConfig("AAAUSDT"), market, &stubPredictor{label: models.PredictionUp})

	f.orch.Cycle(context.Background())
	f.orch.Cycle(context.Background())

	// Второй BUY по открытому лонгу не создает второй ордер
	assert.Len(t, f.executor.calls, 1)
	assert.Len(t, f.orch.Snapshot().Positions, 1)
}

func TestCycleClosesPositionOnStopHit(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	f := newFixture(testConfig("AAAUSDT"), market, &stubPredictor{label: models.PredictionUp})

	f.orch.Cycle(context.Background())
	require.Len(t, f.orch.Snapshot().Positions, 1)
	drainEvents(f.orch)

	// Обвал ниже стопа: позиция закрывается до пересчета стопа.
	// Повторный вход блокируем недоступной моделью, чтобы проверить
	// именно закрытие.
	market.closes["AAAUSDT"] = []float64{10.3, 10.2, 10.1, 9.0}
	f.predictor.predictErr = models.ErrModelUnavailable
	f.orch.Cycle(context.Background())

	assert.Empty(t, f.orch.Snapshot().Positions)

	events := drainEvents(f.orch)
	var closedEvent *models.CycleEvent
	for i := range events {
		if events[i].Kind == models.EventPositionClosed {
			closedEvent = &events[i]
		}
	}
	require.NotNil(t, closedEvent)
	assert.Equal(t, models.PositionClosedLoss, closedEvent.Position.Status)
}

func TestCycleEmitsThresholdBreach(t *testing.T) {
	// Рост последней свечи более чем на 5% к предыдущей
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10, 10, 11}}}
	f := newFixture(testConfig("AAAUSDT"), market, &stubPredictor{label: models.PredictionUp})

	f.orch.Cycle(context.Background())

	kinds := eventKinds(drainEvents(f.orch))
	assert.Contains(t, kinds, models.EventPriceSnapshot)
	assert.Contains(t, kinds, models.EventThresholdBreach)
}

func TestCycleRetrainsWhenStale(t *testing.T) {
	market := &stubMarket{closes: map[string][]float64{"AAAUSDT": {10, 10.1, 10.2, 10.3}}}
	predictor := &stubPredictor{label: models.PredictionUp, retrainEvery: 2}
	f := newFixture(testConfig("AAAUSDT"), market, predictor)

	f.orch.Cycle(context.Background())
	assert.Equal(t, 0, predictor.trainCalls)

	f.orch.Cycle(context.Background())
	assert.Equal(t, 1, predictor.trainCalls)
	assert.Equal(t, 0, predictor.cycles)
}
