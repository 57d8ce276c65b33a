package sentiment

import (
	"context"
	"fmt"
	"time"

	"github.com/cdipaolo/sentiment"
	"github.com/go-resty/resty/v2"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// Analyzer оценивает новостной фон по заголовкам крипто-новостей.
// Любой сбой источника или модели деградирует до нейтральной оценки:
// ошибка никогда не поднимается в цикл принятия решений.
type Analyzer struct {
	config config.SentimentConfig
	client *resty.Client
	model  sentiment.Models
}

// newsResponse ответ NewsAPI, нам нужны только заголовки
type newsResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Title string `json:"title"`
	} `json:"articles"`
}

// NewAnalyzer создает новый анализатор настроений
func NewAnalyzer(cfg config.SentimentConfig) (*Analyzer, error) {
	model, err := sentiment.Restore()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки модели настроений: %w", err)
	}

	client := resty.New()
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	return &Analyzer{
		config: cfg,
		client: client,
		model:  model,
	}, nil
}

// Latest возвращает последнюю оценку настроений в диапазоне [-1, 1].
// При недоступности источника возвращается нейтральный снимок.
func (a *Analyzer) Latest(ctx context.Context) models.SentimentSnapshot {
	neutral := models.SentimentSnapshot{Score: 0, At: time.Now()}

	if a.config.APIKey == "" {
		return neutral
	}

	var news newsResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":      a.config.Query,
			"sortBy": "publishedAt",
			"apiKey": a.config.APIKey,
		}).
		SetResult(&news).
		Get(a.config.NewsURL)
	if err != nil {
		logger.Error("Ошибка получения новостей", zap.Error(err))
		return neutral
	}
	if resp.StatusCode() != 200 {
		logger.Warn("Новостной API вернул ошибку", zap.Int("status", resp.StatusCode()))
		return neutral
	}
	if len(news.Articles) == 0 {
		logger.Warn("Новостной API не вернул статей")
		return neutral
	}

	// Оцениваем каждый заголовок отдельно и сводим к полярности:
	// доля позитивных заголовков, растянутая на [-1, 1].
	positive := 0
	for _, article := range news.Articles {
		analysis := a.model.SentimentAnalysis(article.Title, sentiment.English)
		if analysis.Score == 1 {
			positive++
		}
	}
	score := Clamp(2*float64(positive)/float64(len(news.Articles)) - 1)

	logger.Debug("Оценка новостного фона",
		zap.Float64("score", score),
		zap.Int("headlines", len(news.Articles)))

	return models.SentimentSnapshot{
		Score:     score,
		Headlines: len(news.Articles),
		At:        time.Now(),
	}
}
