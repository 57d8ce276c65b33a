package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/internal/exchange"
	"github.com/skalibog/bmlt/internal/features"
	"github.com/skalibog/bmlt/internal/notifier"
	"github.com/skalibog/bmlt/internal/orchestrator"
	"github.com/skalibog/bmlt/internal/prediction"
	"github.com/skalibog/bmlt/internal/risk"
	"github.com/skalibog/bmlt/internal/sentiment"
	"github.com/skalibog/bmlt/internal/storage"
	"github.com/skalibog/bmlt/internal/ui"
	"github.com/skalibog/bmlt/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Проверяем наличие файла конфигурации
	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	// Создаем контекст с возможностью отмены через горутину
	ctx, cancel := context.WithCancel(context.Background())

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nЗавершение работы...")
		cancel()
		time.Sleep(5 * time.Second) // Даем горутинам время на завершение
		os.Exit(0)
	}()

	// Инициализируем хранилище. Без него цикл работает, но без истории.
	var store *storage.InfluxDBStorage
	if cfg.Storage.URL != "" {
		store, err = storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		defer store.Close()
	} else {
		logger.Warn("Хранилище не настроено, история цикла не сохраняется")
	}

	// Инициализируем клиент биржи
	client, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	// Анализатор новостного фона
	sentimentAnalyzer, err := sentiment.NewAnalyzer(cfg.Sentiment)
	if err != nil {
		logger.Fatal("Ошибка инициализации анализатора настроений", zap.Error(err))
	}

	// Сервис предсказаний и менеджер позиций
	predictor := prediction.NewService(cfg.Model)
	riskManager := risk.NewManager()
	pipeline := features.NewPipeline(cfg.Features)

	// Создаем оркестратор цикла
	orch := newOrchestrator(cfg, pipeline, client, sentimentAnalyzer, predictor, riskManager, store)

	// Telegram-уведомления в отдельной горутине
	if cfg.Telegram.Enabled {
		bot, err := notifier.New(cfg.Telegram, decisionSource(store))
		if err != nil {
			logger.Fatal("Ошибка инициализации Telegram-бота", zap.Error(err))
		}
		go func() {
			if err := bot.Run(ctx, orch.Events()); err != nil {
				logger.Error("Ошибка работы Telegram-бота", zap.Error(err))
			}
		}()
	}

	// Запускаем цикл принятия решений в горутине
	go orch.Run(ctx)

	if cfg.UI.Enabled {
		// Инициализируем UI и запускаем в основном потоке (блокирующий вызов)
		userInterface, err := ui.NewTermUI(cfg.UI, orch, ctx)
		if err != nil {
			logger.Fatal("Ошибка инициализации пользовательского интерфейса", zap.Error(err))
		}
		userInterface.Start()
		cancel()
		time.Sleep(time.Second)
	} else {
		// Безголовый режим: работаем до сигнала завершения
		<-ctx.Done()
	}
}

// newOrchestrator собирает оркестратор, не передавая типизированный nil
// хранилища в интерфейсное поле
func newOrchestrator(cfg *config.Config, pipeline *features.Pipeline, client *exchange.BinanceClient,
	sentimentAnalyzer *sentiment.Analyzer, predictor *prediction.Service,
	riskManager *risk.Manager, store *storage.InfluxDBStorage) *orchestrator.Orchestrator {
	var s orchestrator.Store
	if store != nil {
		s = store
	}
	return orchestrator.New(cfg, pipeline, client, client, sentimentAnalyzer, predictor, riskManager, s)
}

// decisionSource оборачивает хранилище для бота с учетом типизированного nil
func decisionSource(store *storage.InfluxDBStorage) notifier.DecisionSource {
	if store == nil {
		return nil
	}
	return store
}
