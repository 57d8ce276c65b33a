package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/internal/exchange"
	"github.com/skalibog/bmlt/internal/features"
	"github.com/skalibog/bmlt/internal/risk"
	"github.com/skalibog/bmlt/internal/sentiment"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// ограничение на один запрос рыночных данных, чтобы медленный символ
// не подвешивал весь цикл
const fetchTimeout = 30 * time.Second

// размер буфера событий; медленный потребитель теряет события,
// но никогда не блокирует цикл
const eventBuffer = 64

// MarketData источник исторических свечей
type MarketData interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error)
}

// Executor исполнитель рыночных ордеров
type Executor interface {
	PlaceMarketOrder(ctx context.Context, symbol string, action models.Action, quantity, refPrice float64) (*exchange.Fill, error)
}

// SentimentSource источник оценки новостного фона
type SentimentSource interface {
	Latest(ctx context.Context) models.SentimentSnapshot
}

// Predictor жизненный цикл классификатора
type Predictor interface {
	Train(features []models.FeatureVector) error
	Predict(features []models.FeatureVector) (models.PredictionLabel, error)
	LoadOrTrain(features []models.FeatureVector) error
	CycleDone() bool
}

// Store персистентность артефактов цикла; сбои записи не фатальны
type Store interface {
	SaveCandles(ctx context.Context, candles []*models.Candle) error
	SaveSentiment(ctx context.Context, snap models.SentimentSnapshot) error
	SaveDecision(ctx context.Context, decision *models.Decision) error
	SavePosition(ctx context.Context, position *models.Position) error
}

// symbolData результат подготовки данных по одному символу
type symbolData struct {
	candles []*models.Candle
	vectors []models.FeatureVector
}

// Snapshot состояние оркестратора для отображения
type Snapshot struct {
	Sentiment models.SentimentSnapshot
	Risk      models.RiskParameters
	Positions []models.Position
	Decisions []models.Decision
}

// Orchestrator управляет циклом принятия решений: данные, признаки,
// предсказание, риск и исполнение. Все изменяемое состояние принадлежит
// горутине цикла; наружу отдаются только копии и события.
type Orchestrator struct {
	config    *config.Config
	pipeline  *features.Pipeline
	market    MarketData
	executor  Executor
	sentiment SentimentSource
	predictor Predictor
	riskMgr   *risk.Manager
	store     Store

	events chan models.CycleEvent

	mu           sync.RWMutex
	positions    map[string]*models.Position
	decisions    []models.Decision
	senSnapshot  models.SentimentSnapshot
	riskParams   models.RiskParameters
	bootstrapped bool
}

// New создает новый оркестратор
func New(cfg *config.Config, pipeline *features.Pipeline, market MarketData, executor Executor,
	sentimentSrc SentimentSource, predictor Predictor, riskMgr *risk.Manager, store Store) *Orchestrator {
	return &Orchestrator{
		config:     cfg,
		pipeline:   pipeline,
		market:     market,
		executor:   executor,
		sentiment:  sentimentSrc,
		predictor:  predictor,
		riskMgr:    riskMgr,
		store:      store,
		events:     make(chan models.CycleEvent, eventBuffer),
		positions:  make(map[string]*models.Position),
		riskParams: sentiment.RiskParametersFor(0),
	}
}

// Events возвращает канал односторонних событий цикла
func (o *Orchestrator) Events() <-chan models.CycleEvent {
	return o.events
}

// Snapshot возвращает копию состояния для UI
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Sentiment: o.senSnapshot,
		Risk:      o.riskParams,
		Positions: make([]models.Position, 0, len(o.positions)),
		Decisions: append([]models.Decision(nil), o.decisions...),
	}
	for _, p := range o.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap
}

// Run запускает цикл принятия решений с фиксированным интервалом.
// Завершение: текущий цикл доводится до конца, новые не начинаются.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := time.Duration(o.config.Trading.CycleSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Запуск цикла принятия решений",
		zap.Duration("interval", interval),
		zap.Any("symbols", o.config.Trading.Symbols))

	o.Cycle(ctx)
	for {
		select {
		case <-ticker.C:
			o.Cycle(ctx)
		case <-ctx.Done():
			logger.Info("Цикл принятия решений остановлен")
			return
		}
	}
}

// Cycle выполняет один полный цикл. Сбой любого символа пропускает
// только этот символ; сбой исполнения не блокирует следующие циклы.
// Счетчик обучения растет по каждому завершенному циклу.
func (o *Orchestrator) Cycle(ctx context.Context) {
	started := time.Now()

	// Свежая оценка новостного фона и активный риск-пресет цикла
	snap := o.sentiment.Latest(ctx)
	riskParams := sentiment.RiskParametersFor(snap.Score)
	o.mu.Lock()
	o.senSnapshot = snap
	o.riskParams = riskParams
	o.mu.Unlock()
	o.saveSentiment(ctx, snap)

	data := o.collect(ctx)

	o.emitMarketEvents(data)
	o.updatePositions(ctx, data, riskParams)

	candidate := o.selectCandidate(data)
	if candidate == "" {
		logger.Warn("Нет символов с валидными признаками, цикл пропущен")
		o.finishCycle(nil)
		return
	}
	vectors := data[candidate].vectors

	if err := o.ensureModel(vectors); err != nil {
		o.finishCycle(vectors)
		return
	}

	label, err := o.predictor.Predict(vectors)
	if err != nil {
		if errors.Is(err, models.ErrModelUnavailable) {
			logger.Warn("Модель недоступна, решение пропущено")
		} else {
			logger.Error("Ошибка предсказания", zap.String("symbol", candidate), zap.Error(err))
		}
		o.finishCycle(vectors)
		return
	}

	decision := o.buildDecision(candidate, label, riskParams, lastClose(data[candidate].candles))
	o.recordDecision(ctx, decision)
	o.execute(ctx, decision, riskParams)

	logger.Debug("Цикл завершен",
		zap.String("candidate", candidate),
		zap.String("action", string(decision.Action)),
		zap.Duration("took", time.Since(started)))

	o.finishCycle(vectors)
}

// collect собирает свечи и признаки по всем символам параллельно.
// Ошибки по символу логируются и исключают его из цикла.
func (o *Orchestrator) collect(ctx context.Context) map[string]symbolData {
	results := make(map[string]symbolData)
	var wg sync.WaitGroup
	var mutex sync.Mutex

	for _, symbol := range o.config.Trading.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()

			candles, err := o.market.GetKlines(fetchCtx, sym, o.config.Trading.Interval, o.config.Trading.CandleLimit)
			if err != nil {
				logger.Warn("Символ пропущен: нет рыночных данных", zap.String("symbol", sym), zap.Error(err))
				return
			}

			vectors, err := o.pipeline.Compute(candles)
			if err != nil {
				logger.Warn("Символ пропущен: признаки не рассчитаны", zap.String("symbol", sym), zap.Error(err))
				return
			}

			o.saveCandles(ctx, candles)

			mutex.Lock()
			results[sym] = symbolData{candles: candles, vectors: vectors}
			mutex.Unlock()
		}(symbol)
	}

	wg.Wait()
	return results
}

// emitMarketEvents публикует снимки цен и пробои порога изменения
func (o *Orchestrator) emitMarketEvents(data map[string]symbolData) {
	for sym, d := range data {
		if len(d.candles) < 2 {
			continue
		}
		recent := d.candles[len(d.candles)-1].Close
		previous := d.candles[len(d.candles)-2].Close
		changePct := (recent - previous) / previous * 100

		o.emit(models.CycleEvent{
			Kind:      models.EventPriceSnapshot,
			Symbol:    sym,
			Price:     recent,
			ChangePct: changePct,
			At:        time.Now(),
		})

		if changePct > o.config.Telegram.AlertChangePct {
			o.emit(models.CycleEvent{
				Kind:      models.EventThresholdBreach,
				Symbol:    sym,
				Price:     recent,
				ChangePct: changePct,
				At:        time.Now(),
			})
		}
	}
}

// updatePositions прогоняет машину состояний по каждой открытой позиции.
// Терминальные проверки идут до подтяжки стопа внутри risk.Manager.
func (o *Orchestrator) updatePositions(ctx context.Context, data map[string]symbolData, riskParams models.RiskParameters) {
	// Переходы выполняются под блокировкой, сетевое закрытие после нее
	closed := make([]*models.Position, 0)

	o.mu.Lock()
	for sym, position := range o.positions {
		d, ok := data[sym]
		if !ok {
			continue
		}
		price := lastClose(d.candles)

		if err := o.riskMgr.Update(position, price, riskParams); err != nil {
			// Нарушение целостности данных: прерываем цикл только для символа
			logger.Error("Позиция не обновлена", zap.String("symbol", sym), zap.Error(err))
			continue
		}

		if position.Closed() {
			closed = append(closed, position)
			delete(o.positions, sym)
		}
	}
	o.mu.Unlock()

	for _, position := range closed {
		logger.Info("Позиция закрыта",
			zap.String("symbol", position.Symbol),
			zap.String("status", string(position.Status)),
			zap.Float64("close_price", position.ClosePrice))
		o.flatten(ctx, position)
		o.emit(models.CycleEvent{
			Kind:     models.EventPositionClosed,
			Symbol:   position.Symbol,
			Price:    position.ClosePrice,
			Position: snapshotPosition(position),
			At:       time.Now(),
		})
		o.savePosition(ctx, position)
	}
}

// flatten отправляет закрывающий рыночный ордер по позиции.
// Сбой исполнения логируется: состояние позиции уже терминально.
func (o *Orchestrator) flatten(ctx context.Context, position *models.Position) {
	action := models.ActionSell
	if position.Side == models.SideShort {
		action = models.ActionBuy
	}
	if _, err := o.executor.PlaceMarketOrder(ctx, position.Symbol, action, position.Quantity, position.ClosePrice); err != nil {
		logger.Error("Закрывающий ордер не исполнен", zap.String("symbol", position.Symbol), zap.Error(err))
	}
}

// selectCandidate выбирает символ-кандидат по настроенной политике.
// Политика last_close: максимальная последняя цена закрытия.
func (o *Orchestrator) selectCandidate(data map[string]symbolData) string {
	if o.config.Trading.SelectionPolicy != "last_close" && o.config.Trading.SelectionPolicy != "" {
		logger.Warn("Неизвестная политика выбора, используется last_close",
			zap.String("policy", o.config.Trading.SelectionPolicy))
	}

	best := ""
	bestClose := 0.0
	for sym, d := range data {
		c := lastClose(d.candles)
		if best == "" || c > bestClose {
			best = sym
			bestClose = c
		}
	}
	return best
}

// ensureModel выполняет стартовое восстановление модели: загрузка
// артефакта, если он есть, иначе первое обучение.
func (o *Orchestrator) ensureModel(vectors []models.FeatureVector) error {
	o.mu.Lock()
	done := o.bootstrapped
	o.mu.Unlock()
	if done {
		return nil
	}

	if err := o.predictor.LoadOrTrain(vectors); err != nil {
		if errors.Is(err, models.ErrEmptyTrainingSet) {
			logger.Warn("Обучающая выборка пуста, цикл пропущен", zap.Error(err))
		} else {
			logger.Error("Стартовое восстановление модели не удалось", zap.Error(err))
		}
		return err
	}

	o.mu.Lock()
	o.bootstrapped = true
	o.mu.Unlock()
	return nil
}

// buildDecision сводит предсказание и активный риск-пресет в решение
func (o *Orchestrator) buildDecision(symbol string, label models.PredictionLabel, riskParams models.RiskParameters, price float64) *models.Decision {
	action := models.ActionSell
	if label == models.PredictionUp {
		action = models.ActionBuy
	}
	return &models.Decision{
		Symbol:     symbol,
		Action:     action,
		Prediction: label,
		Risk:       riskParams,
		Price:      price,
		At:         time.Now(),
	}
}

// recordDecision публикует решение и сохраняет его след
func (o *Orchestrator) recordDecision(ctx context.Context, decision *models.Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, *decision)
	if len(o.decisions) > 20 {
		o.decisions = o.decisions[len(o.decisions)-20:]
	}
	o.mu.Unlock()

	o.emit(models.CycleEvent{
		Kind:     models.EventDecision,
		Symbol:   decision.Symbol,
		Price:    decision.Price,
		Decision: decision,
		At:       time.Now(),
	})

	if o.store != nil {
		if err := o.store.SaveDecision(ctx, decision); err != nil {
			logger.Warn("Решение не сохранено", zap.Error(err))
		}
	}

	logger.Info("Решение цикла",
		zap.String("symbol", decision.Symbol),
		zap.String("action", string(decision.Action)),
		zap.Float64("price", decision.Price))
}

// execute исполняет решение. Противоположная открытая позиция сперва
// закрывается вручную; одноименная позиция не наращивается.
// Любой сбой исполнения оставляет состояние позиций неизменным.
func (o *Orchestrator) execute(ctx context.Context, decision *models.Decision, riskParams models.RiskParameters) {
	side := models.SideLong
	if decision.Action == models.ActionSell {
		side = models.SideShort
	}

	o.mu.Lock()
	existing := o.positions[decision.Symbol]
	o.mu.Unlock()

	if existing != nil {
		if existing.Side == side {
			logger.Debug("Позиция уже открыта, наращивание не выполняется",
				zap.String("symbol", decision.Symbol))
			return
		}
		o.reverse(ctx, existing, decision.Price)
	}

	fill, err := o.executor.PlaceMarketOrder(ctx, decision.Symbol, decision.Action,
		o.config.Trading.OrderQuantity, decision.Price)
	if err != nil {
		// Отказ или исчерпанные повторы: позиция не открывается, цикл живет дальше
		logger.Error("Ордер не исполнен", zap.String("symbol", decision.Symbol), zap.Error(err))
		return
	}

	position, err := o.riskMgr.Open(decision.Symbol, side, o.config.Trading.OrderQuantity, fill.Price, riskParams)
	if err != nil {
		logger.Error("Позиция не открыта", zap.String("symbol", decision.Symbol), zap.Error(err))
		return
	}

	o.mu.Lock()
	o.positions[decision.Symbol] = position
	o.mu.Unlock()
	o.savePosition(ctx, position)

	logger.Info("Позиция открыта",
		zap.String("symbol", position.Symbol),
		zap.String("side", string(position.Side)),
		zap.Float64("entry", position.EntryPrice),
		zap.Float64("stop", position.StopPrice),
		zap.Float64("target", position.TargetPrice))
}

// reverse закрывает позицию противоположной стороны перед новым входом
func (o *Orchestrator) reverse(ctx context.Context, position *models.Position, price float64) {
	o.mu.Lock()
	err := o.riskMgr.CloseManual(position, price)
	if err == nil {
		delete(o.positions, position.Symbol)
	}
	o.mu.Unlock()

	if err != nil {
		logger.Error("Ручное закрытие не выполнено", zap.String("symbol", position.Symbol), zap.Error(err))
		return
	}

	o.flatten(ctx, position)
	o.emit(models.CycleEvent{
		Kind:     models.EventPositionClosed,
		Symbol:   position.Symbol,
		Price:    price,
		Position: snapshotPosition(position),
		At:       time.Now(),
	})
	o.savePosition(ctx, position)
}

// finishCycle фиксирует завершенный цикл и при необходимости переобучает
// модель на признаках кандидата. Пустая выборка сохраняет прежнюю модель.
func (o *Orchestrator) finishCycle(vectors []models.FeatureVector) {
	if !o.predictor.CycleDone() {
		return
	}

	logger.Info("Достигнут интервал переобучения")
	if len(vectors) == 0 {
		logger.Warn("Переобучение отложено: нет признаков в этом цикле")
		return
	}
	if err := o.predictor.Train(vectors); err != nil {
		if errors.Is(err, models.ErrEmptyTrainingSet) {
			logger.Warn("Переобучение пропущено, прежняя модель сохранена", zap.Error(err))
		} else {
			logger.Error("Переобучение не удалось", zap.Error(err))
		}
	}
}

// emit публикует событие без блокировки цикла
func (o *Orchestrator) emit(event models.CycleEvent) {
	select {
	case o.events <- event:
	default:
		logger.Debug("Буфер событий переполнен, событие отброшено", zap.String("kind", string(event.Kind)))
	}
}

func (o *Orchestrator) saveCandles(ctx context.Context, candles []*models.Candle) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveCandles(ctx, candles); err != nil {
		logger.Warn("Свечи не сохранены", zap.Error(err))
	}
}

func (o *Orchestrator) saveSentiment(ctx context.Context, snap models.SentimentSnapshot) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSentiment(ctx, snap); err != nil {
		logger.Warn("Оценка настроений не сохранена", zap.Error(err))
	}
}

func (o *Orchestrator) savePosition(ctx context.Context, position *models.Position) {
	if o.store == nil {
		return
	}
	if err := o.store.SavePosition(ctx, position); err != nil {
		logger.Warn("Позиция не сохранена", zap.Error(err))
	}
}

func lastClose(candles []*models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}

func snapshotPosition(p *models.Position) *models.Position {
	c := *p
	return &c
}
