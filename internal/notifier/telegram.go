package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// DecisionSource история решений для команды /decisions
type DecisionSource interface {
	GetDecisionHistory(ctx context.Context, symbol string, limit int) ([]*models.Decision, error)
}

// Notifier пересылает события цикла в Telegram и обслуживает команды
// подписки. Ядро никогда не ждет доставки: события приходят по каналу,
// сбой отправки логируется и отбрасывается.
type Notifier struct {
	config    config.TelegramConfig
	bot       *tgbotapi.BotAPI
	decisions DecisionSource

	mu    sync.RWMutex
	chats map[int64]bool
}

// New создает нового нотификатора
func New(cfg config.TelegramConfig, decisions DecisionSource) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Telegram-бота: %w", err)
	}

	return &Notifier{
		config:    cfg,
		bot:       bot,
		decisions: decisions,
		chats:     make(map[int64]bool),
	}, nil
}

// Run запускает обработку команд и пересылку событий
func (n *Notifier) Run(ctx context.Context, events <-chan models.CycleEvent) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates, err := n.bot.GetUpdatesChan(u)
	if err != nil {
		return fmt.Errorf("ошибка подписки на обновления Telegram: %w", err)
	}

	go n.listenCommands(ctx, updates)

	for {
		select {
		case event := <-events:
			n.broadcast(event)
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			return nil
		}
	}
}

// listenCommands обслуживает команды подписки
func (n *Notifier) listenCommands(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			n.handleCommand(ctx, update.Message)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID

	switch message.Command() {
	case "start":
		n.mu.Lock()
		n.chats[chatID] = true
		n.mu.Unlock()
		n.send(chatID, "Подписка оформлена. Буду присылать цены, решения и закрытия позиций.\n\n"+
			"Команды:\n/stop - отключить уведомления\n/decisions SYMBOL - последние решения по символу")
	case "stop":
		n.mu.Lock()
		delete(n.chats, chatID)
		n.mu.Unlock()
		n.send(chatID, "Уведомления отключены.")
	case "decisions":
		n.sendDecisions(ctx, chatID, strings.TrimSpace(message.CommandArguments()))
	default:
		n.send(chatID, "Неизвестная команда. Доступны /start, /stop, /decisions SYMBOL")
	}
}

// sendDecisions отвечает историей решений по символу
func (n *Notifier) sendDecisions(ctx context.Context, chatID int64, symbol string) {
	if n.decisions == nil {
		n.send(chatID, "История решений недоступна: хранилище отключено.")
		return
	}
	if symbol == "" {
		n.send(chatID, "Укажите символ: /decisions BTCUSDT")
		return
	}

	history, err := n.decisions.GetDecisionHistory(ctx, strings.ToUpper(symbol), 5)
	if err != nil {
		logger.Warn("История решений не получена", zap.Error(err))
		n.send(chatID, "Не удалось получить историю решений.")
		return
	}
	if len(history) == 0 {
		n.send(chatID, fmt.Sprintf("По %s решений пока нет.", strings.ToUpper(symbol)))
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Последние решения по *%s*:\n", strings.ToUpper(symbol)))
	for _, d := range history {
		b.WriteString(fmt.Sprintf("%s %s по %.2f (%s)\n",
			d.At.Format("02.01 15:04"), d.Action, d.Price, d.Prediction))
	}
	n.send(chatID, b.String())
}

// broadcast рассылает событие всем подписанным чатам
func (n *Notifier) broadcast(event models.CycleEvent) {
	text := formatEvent(event)
	if text == "" {
		return
	}

	n.mu.RLock()
	chats := make([]int64, 0, len(n.chats))
	for chatID := range n.chats {
		chats = append(chats, chatID)
	}
	n.mu.RUnlock()

	for _, chatID := range chats {
		n.send(chatID, text)
	}
}

// formatEvent переводит событие цикла в сообщение
func formatEvent(event models.CycleEvent) string {
	switch event.Kind {
	case models.EventPriceSnapshot:
		return fmt.Sprintf("🔍 Текущая цена *%s*: %.2f USDT\n📈 Изменение: %+.2f%%",
			event.Symbol, event.Price, event.ChangePct)
	case models.EventThresholdBreach:
		return fmt.Sprintf("🚀 *%s* вырос на %.2f%%!\n💰 Новая цена: %.2f USDT",
			event.Symbol, event.ChangePct, event.Price)
	case models.EventDecision:
		if event.Decision == nil {
			return ""
		}
		return fmt.Sprintf("🤖 Решение: *%s* %s по %.2f\n(прогноз %s, стоп %.1f%%, цель %.1f%%)",
			event.Decision.Action, event.Symbol, event.Decision.Price,
			event.Decision.Prediction,
			event.Decision.Risk.TrailingStopPct*100,
			event.Decision.Risk.TakeProfitRatio*100)
	case models.EventPositionClosed:
		if event.Position == nil {
			return ""
		}
		return fmt.Sprintf("🏁 Позиция *%s* закрыта: %s\nВход %.2f, выход %.2f",
			event.Symbol, event.Position.Status,
			event.Position.EntryPrice, event.Position.ClosePrice)
	default:
		return ""
	}
}

// send отправляет сообщение; сбой доставки не распространяется
func (n *Notifier) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.bot.Send(msg); err != nil {
		logger.Warn("Сообщение не доставлено", zap.Int64("chat", chatID), zap.Error(err))
	}
}
