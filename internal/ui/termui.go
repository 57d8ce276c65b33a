package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/internal/orchestrator"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	// Главный контейнер
	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	// Заголовок
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	sectionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#ffffff")).
				Background(secondaryColor).
				Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

// TermUI представляет терминальный интерфейс поверх состояния оркестратора
type TermUI struct {
	orch      *orchestrator.Orchestrator
	config    config.UIConfig
	program   *tea.Program
	logs      []string
	logsMutex sync.RWMutex
	logFile   string
	width     int
	height    int
}

// Сообщения для обновления UI
type refreshMsg struct{}

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает терминальный интерфейс
func NewTermUI(cfg config.UIConfig, orch *orchestrator.Orchestrator, ctx context.Context) (*TermUI, error) {
	ui := &TermUI{
		orch:    orch,
		config:  cfg,
		logs:    []string{"BMLT запущен. Ожидание первого цикла..."},
		logFile: "bmlt.json.log",
		width:   120,
		height:  40,
	}

	if err := ui.loadLogsFromFile(); err != nil {
		ui.logs = append(ui.logs, fmt.Sprintf("Ошибка загрузки логов: %v", err))
	}

	// Периодическое обновление логов и данных
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.RefreshRate) * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := ui.loadLogsFromFile(); err != nil {
					logger.Warn("Ошибка загрузки логов", zap.Error(err))
				}
				if ui.program != nil {
					ui.program.Send(refreshMsg{})
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ui, nil
}

// Start запускает UI в текущей горутине (блокирующий вызов)
func (ui *TermUI) Start() {
	model := bubbleModel{ui: ui}
	ui.program = tea.NewProgram(model, tea.WithAltScreen())

	if _, err := ui.program.Run(); err != nil {
		fmt.Printf("Ошибка запуска UI: %v\n", err)
	}
}

// loadLogsFromFile подтягивает хвост JSON-лога
func (ui *TermUI) loadLogsFromFile() error {
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var logs []string

	// Регулярное выражение для удаления ANSI-цветов
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)

	for scanner.Scan() {
		line := scanner.Text()

		var zapLog map[string]interface{}
		if err := json.Unmarshal([]byte(line), &zapLog); err == nil {
			level, _ := zapLog["level"].(string)
			ts, _ := zapLog["ts"].(string)
			msg, _ := zapLog["msg"].(string)

			level = ansiRegex.ReplaceAllString(level, "")

			timestamp := ""
			if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
				timestamp = t.Format("15:04:05")
			}

			formattedMsg := fmt.Sprintf("[%s] [%s] %s", timestamp, level, msg)
			for k, v := range zapLog {
				if k != "level" && k != "ts" && k != "msg" && k != "caller" {
					formattedMsg += fmt.Sprintf(" (%s: %v)", k, v)
				}
			}
			logs = append(logs, formattedMsg)
		} else {
			logs = append(logs, line)
		}

		if len(logs) > 50 {
			logs = logs[1:]
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	ui.logsMutex.Lock()
	defer ui.logsMutex.Unlock()
	if len(logs) > 0 {
		ui.logs = logs
	}

	return nil
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return nil
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.ui.width = msg.Width
		m.ui.height = msg.Height

	case refreshMsg:
		// Просто обновляем UI
	}

	return m, nil
}

func (m bubbleModel) View() string {
	snap := m.ui.orch.Snapshot()

	m.ui.logsMutex.RLock()
	logs := append([]string(nil), m.ui.logs...)
	m.ui.logsMutex.RUnlock()

	title := titleStyle.Render("BMLT - Binance ML Trader")
	sentimentLine := renderSentiment(snap)
	positions := renderPositionsSection(snap.Positions)
	decisions := renderDecisionsSection(snap.Decisions)
	logsSection := renderLogsSection(logs)
	footer := footerStyle.Render("Клавиши: Q - выход")

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			"\n",
			sentimentLine,
			positions,
			"\n",
			decisions,
			"\n",
			logsSection,
			"\n",
			footer,
		),
	)
}

// renderSentiment строит строку новостного фона и активного риск-пресета
func renderSentiment(snap orchestrator.Snapshot) string {
	style := lipgloss.NewStyle().Foreground(warningColor)
	if snap.Sentiment.Score > 0.5 {
		style = lipgloss.NewStyle().Foreground(successColor)
	} else if snap.Sentiment.Score < -0.5 {
		style = lipgloss.NewStyle().Foreground(errorColor)
	}

	return style.Render(fmt.Sprintf("  Новостной фон: %+.2f (стоп %.1f%%, цель %.1f%%)\n",
		snap.Sentiment.Score,
		snap.Risk.TrailingStopPct*100,
		snap.Risk.TakeProfitRatio*100))
}

func renderPositionsSection(positions []models.Position) string {
	header := sectionHeaderStyle.Render("ПОЗИЦИИ")
	content := strings.Builder{}

	if len(positions) == 0 {
		content.WriteString("  Открытых позиций нет\n")
	} else {
		for _, p := range positions {
			sideStyle := lipgloss.NewStyle().Foreground(successColor)
			if p.Side == models.SideShort {
				sideStyle = lipgloss.NewStyle().Foreground(errorColor)
			}
			line := fmt.Sprintf("  %s %s Вход: %.2f Стоп: %.2f Цель: %.2f",
				p.Symbol, sideStyle.Render(string(p.Side)),
				p.EntryPrice, p.StopPrice, p.TargetPrice)
			content.WriteString(line + "\n")
		}
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			content.String(),
		),
	)
}

func renderDecisionsSection(decisions []models.Decision) string {
	header := sectionHeaderStyle.Render("РЕШЕНИЯ")
	content := strings.Builder{}

	if len(decisions) == 0 {
		content.WriteString("  Решений пока нет\n")
	} else {
		// Последние решения сверху
		for i := len(decisions) - 1; i >= 0 && i >= len(decisions)-8; i-- {
			d := decisions[i]
			actionText := formatActionText(d.Action)
			line := fmt.Sprintf("  %s %s: %s по %.2f (прогноз %s)",
				d.At.Format("15:04:05"), d.Symbol, actionText, d.Price, d.Prediction)
			content.WriteString(line + "\n")
		}
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			content.String(),
		),
	)
}

func renderLogsSection(logs []string) string {
	header := sectionHeaderStyle.Render("ЛОГИ")
	content := strings.Builder{}

	maxLogsToShow := 10
	start := 0
	if len(logs) > maxLogsToShow {
		start = len(logs) - maxLogsToShow
	}

	for i := start; i < len(logs); i++ {
		log := logs[i]

		// Выделение по уровню логирования
		if strings.Contains(log, "[ERROR]") {
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		} else if strings.Contains(log, "[INFO]") {
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		} else if strings.Contains(log, "[WARN]") {
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		} else if strings.Contains(log, "[DEBUG]") {
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}

		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			content.String(),
		),
	)
}

func formatActionText(action models.Action) string {
	switch action {
	case models.ActionBuy:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("ПОКУПКА")
	case models.ActionSell:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("ПРОДАЖА")
	default:
		return lipgloss.NewStyle().Foreground(warningColor).Render("ОЖИДАНИЕ")
	}
}
