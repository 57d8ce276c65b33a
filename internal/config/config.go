package config

import (
	"fmt"
	"os"

	"github.com/skalibog/bmlt/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance   BinanceConfig   `yaml:"binance"`
	Trading   TradingConfig   `yaml:"trading"`
	Features  FeaturesConfig  `yaml:"features"`
	Model     ModelConfig     `yaml:"model"`
	Sentiment SentimentConfig `yaml:"sentiment"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	UI        UIConfig        `yaml:"ui"`
}

// BinanceConfig содержит настройки подключения к Binance.
// Ключи приходят только из окружения, в файле их нет.
type BinanceConfig struct {
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig содержит настройки торгового цикла
type TradingConfig struct {
	Symbols         []string `yaml:"symbols"`
	Interval        string   `yaml:"interval"`
	CandleLimit     int      `yaml:"candle_limit"`
	OrderQuantity   float64  `yaml:"order_quantity"`
	CycleSeconds    int      `yaml:"cycle_seconds"`
	SelectionPolicy string   `yaml:"selection_policy"`
}

// FeaturesConfig окна расчета индикаторов
type FeaturesConfig struct {
	RSIPeriod int `yaml:"rsi_period"`
	BBPeriod  int `yaml:"bb_period"`
	SMAPeriod int `yaml:"sma_period"`
}

// ModelConfig настройки классификатора
type ModelConfig struct {
	Path            string `yaml:"path"`
	RetrainInterval int    `yaml:"retrain_interval"`
	Trees           int    `yaml:"trees"`
}

// SentimentConfig настройки новостного анализа
type SentimentConfig struct {
	NewsURL        string `yaml:"news_url"`
	Query          string `yaml:"query"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	APIKey         string `yaml:"-"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// TelegramConfig настройки уведомлений
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	AlertChangePct float64 `yaml:"alert_change_pct"`
	Token          string  `yaml:"-"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate int  `yaml:"refresh_rate_ms"`
	Enabled     bool `yaml:"enabled"`
}

// Load загружает конфигурацию из файла и окружения
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	config.Binance.APIKey = os.Getenv("BINANCE_API_KEY")
	config.Binance.APISecret = os.Getenv("BINANCE_API_SECRET")
	config.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	config.Sentiment.APIKey = os.Getenv("NEWS_API_KEY")

	if err := config.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path))
	logger.Info("Загружена конфигурация", zap.Any("Symbols", config.Trading.Symbols))
	return config, nil
}

// defaults возвращает конфигурацию со значениями по умолчанию,
// совпадающими с параметрами исходной стратегии.
func defaults() *Config {
	return &Config{
		Trading: TradingConfig{
			Symbols:         []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "XRPUSDT", "ADAUSDT"},
			Interval:        "1h",
			CandleLimit:     100,
			OrderQuantity:   0.01,
			CycleSeconds:    300,
			SelectionPolicy: "last_close",
		},
		Features: FeaturesConfig{
			RSIPeriod: 14,
			BBPeriod:  20,
			SMAPeriod: 50,
		},
		Model: ModelConfig{
			Path:            "ml_model.json",
			RetrainInterval: 100,
			Trees:           500,
		},
		Sentiment: SentimentConfig{
			NewsURL:        "https://newsapi.org/v2/everything",
			Query:          "crypto OR bitcoin OR ethereum",
			TimeoutSeconds: 10,
		},
		Telegram: TelegramConfig{
			AlertChangePct: 5.0,
		},
		UI: UIConfig{
			RefreshRate: 1000,
			Enabled:     true,
		},
	}
}

// validate проверяет полноту учетных данных. Частичный набор ключей
// на старте фатален: процесс не должен работать с половиной доступов.
func (c *Config) validate() error {
	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return fmt.Errorf("не заданы BINANCE_API_KEY/BINANCE_API_SECRET")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("уведомления включены, но TELEGRAM_TOKEN не задан")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("не задан список торговых символов")
	}
	if c.Sentiment.APIKey == "" {
		// Не фатально: анализатор настроений деградирует до нейтрального
		logger.Warn("NEWS_API_KEY не задан, оценка настроений будет нейтральной")
	}
	return nil
}
