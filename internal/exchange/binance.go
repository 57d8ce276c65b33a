package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// максимум попыток размещения ордера при временных сбоях сети
const maxOrderAttempts = 3

// параметры паузы между попытками; переопределяются в тестах
var (
	orderBackoffMin = 500 * time.Millisecond
	orderBackoffMax = 5 * time.Second
)

// BinanceClient клиент для взаимодействия с фьючерсами Binance
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("не заданы ключи API Binance")
	}

	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		futuresClient.BaseURL = "https://testnet.binancefuture.com"
	}

	return &BinanceClient{
		futures: futuresClient,
	}, nil
}

// GetKlines получает исторические свечи
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*models.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	candles := make([]*models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(symbol, interval, k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseKline переводит строковые поля ответа биржи в числовую свечу
func parseKline(symbol, interval string, k *futures.Kline) (*models.Candle, error) {
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	closePrice, err4 := strconv.ParseFloat(k.Close, 64)
	volume, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, err)
		}
	}

	return &models.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.Unix(k.OpenTime/1000, 0),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.Unix(k.CloseTime/1000, 0),
	}, nil
}

// Fill результат исполнения рыночного ордера
type Fill struct {
	Price   float64
	OrderID int64
	Status  string
}

// PlaceMarketOrder размещает рыночный ордер. Временные сетевые сбои
// повторяются до трех попыток с экспоненциальной паузой; отказ биржи
// (недостаточно средств, неизвестный символ) не повторяется никогда.
// refPrice используется как цена исполнения, пока биржа не вернула среднюю.
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, symbol string, action models.Action, quantity, refPrice float64) (*Fill, error) {
	var side futures.SideType
	switch action {
	case models.ActionBuy:
		side = futures.SideTypeBuy
	case models.ActionSell:
		side = futures.SideTypeSell
	default:
		return nil, fmt.Errorf("некорректное действие для ордера: %q", action)
	}

	place := func() (*Fill, error) {
		order, err := c.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
			Do(ctx)
		if err != nil {
			// Ответ API с кодом ошибки это отказ, а не сбой: повтор бессмыслен
			var apiErr *common.APIError
			if errors.As(err, &apiErr) {
				return nil, fmt.Errorf("%w: %s (код %d)", models.ErrOrderRejected, apiErr.Message, apiErr.Code)
			}
			return nil, err
		}

		fill := &Fill{
			Price:   refPrice,
			OrderID: order.OrderID,
			Status:  string(order.Status),
		}
		if avg, perr := strconv.ParseFloat(order.AvgPrice, 64); perr == nil && avg > 0 {
			fill.Price = avg
		}
		return fill, nil
	}

	fill, err := placeWithRetry(ctx, symbol, place)
	if err != nil {
		return nil, err
	}

	logger.Info("Ордер размещен",
		zap.String("symbol", symbol),
		zap.String("action", string(action)),
		zap.Float64("price", fill.Price))
	return fill, nil
}

// placeWithRetry повторяет размещение при временных сбоях с экспоненциальной
// паузой. Отказ биржи (models.ErrOrderRejected) возвращается сразу.
func placeWithRetry(ctx context.Context, symbol string, place func() (*Fill, error)) (*Fill, error) {
	b := &backoff.Backoff{
		Min:    orderBackoffMin,
		Max:    orderBackoffMax,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		fill, err := place()
		if err == nil {
			return fill, nil
		}
		if errors.Is(err, models.ErrOrderRejected) {
			return nil, err
		}

		lastErr = err
		logger.Warn("Временный сбой размещения ордера",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxOrderAttempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("ордер не размещен после %d попыток: %w", maxOrderAttempts, lastErr)
}
