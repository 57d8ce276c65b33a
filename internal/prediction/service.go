package prediction

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	randomforest "github.com/malaschitz/randomForest"
	"github.com/skalibog/bmlt/internal/config"
	"github.com/skalibog/bmlt/pkg/logger"
	"github.com/skalibog/bmlt/pkg/models"
	"go.uber.org/zap"
)

// State состояние жизненного цикла классификатора
type State string

const (
	StateUntrained State = "UNTRAINED"
	StateTrained   State = "TRAINED"
	StateStale     State = "STALE"
)

// классы обучающей выборки
const (
	classDown = 0
	classUp   = 1
)

// snapshot неизменяемый снимок обученной модели. Публикуется целиком
// через atomic.Pointer, поэтому читатель никогда не видит модель,
// обновленную наполовину.
type snapshot struct {
	forest     *randomforest.Forest
	generation int
	trainedAt  time.Time
}

// artifact формат модели на диске. Наличие файла по известному пути,
// а не версия внутри него, определяет выбор между загрузкой и обучением.
type artifact struct {
	Generation int                  `json:"generation"`
	TrainedAt  time.Time            `json:"trained_at"`
	Trees      int                  `json:"trees"`
	Forest     *randomforest.Forest `json:"forest"`
}

// Service владеет жизненным циклом классификатора: обучение, сохранение,
// загрузка, предсказание и счетчик циклов до переобучения.
type Service struct {
	config config.ModelConfig
	active atomic.Pointer[snapshot]

	// счетчик завершенных циклов; мутируется только циклом оркестратора
	cycles int
}

// NewService создает новый сервис предсказаний
func NewService(cfg config.ModelConfig) *Service {
	return &Service{
		config: cfg,
	}
}

// State возвращает текущее состояние жизненного цикла
func (s *Service) State() State {
	if s.active.Load() == nil {
		return StateUntrained
	}
	if s.cycles >= s.config.RetrainInterval {
		return StateStale
	}
	return StateTrained
}

// TrainingCount возвращает число циклов с момента последнего обучения
func (s *Service) TrainingCount() int {
	return s.cycles
}

// CycleDone фиксирует завершенный цикл принятия решения и сообщает,
// пора ли переобучаться.
func (s *Service) CycleDone() bool {
	s.cycles++
	return s.State() == StateStale
}

// featureRow собирает строку признаков в том порядке, в котором
// обучалась модель: rsi, bb_upper, bb_lower, sma.
func featureRow(v models.FeatureVector) []float64 {
	return []float64{v.RSI, v.BBUpper, v.BBLower, v.SMA}
}

// Train обучает новую модель на векторах признаков и атомарно публикует ее.
// Метка строки: 1, если close следующей строки выше текущей, иначе 0.
// Последняя строка не имеет метки и в выборку не входит.
func (s *Service) Train(features []models.FeatureVector) error {
	if len(features) < 2 {
		return fmt.Errorf("%w: %d строк признаков", models.ErrEmptyTrainingSet, len(features))
	}

	x := make([][]float64, 0, len(features)-1)
	y := make([]int, 0, len(features)-1)
	for i := 0; i < len(features)-1; i++ {
		x = append(x, featureRow(features[i]))
		if features[i+1].Close > features[i].Close {
			y = append(y, classUp)
		} else {
			y = append(y, classDown)
		}
	}

	forest := &randomforest.Forest{}
	forest.Data = randomforest.ForestData{X: x, Class: y}
	forest.Train(s.config.Trees)

	prev := s.active.Load()
	generation := 1
	if prev != nil {
		generation = prev.generation + 1
	}

	next := &snapshot{
		forest:     forest,
		generation: generation,
		trainedAt:  time.Now(),
	}

	if err := s.persist(next); err != nil {
		return fmt.Errorf("ошибка сохранения модели: %w", err)
	}

	// Публикация снимка и сброс счетчика только после успешного сохранения
	s.active.Store(next)
	s.cycles = 0

	logger.Info("Модель обучена и сохранена",
		zap.Int("generation", generation),
		zap.Int("samples", len(x)),
		zap.String("path", s.config.Path))
	return nil
}

// Predict предсказывает направление цены по последней строке признаков
func (s *Service) Predict(features []models.FeatureVector) (models.PredictionLabel, error) {
	snap := s.active.Load()
	if snap == nil {
		return "", models.ErrModelUnavailable
	}
	if len(features) == 0 {
		return "", fmt.Errorf("%w: нет векторов признаков", models.ErrInsufficientData)
	}

	votes := snap.forest.Vote(featureRow(features[len(features)-1]))

	up, down := 0.0, 0.0
	if len(votes) > classDown {
		down = votes[classDown]
	}
	if len(votes) > classUp {
		up = votes[classUp]
	}
	if up > down {
		return models.PredictionUp, nil
	}
	return models.PredictionDown, nil
}

// Load загружает модель из артефакта на диске
func (s *Service) Load() error {
	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return fmt.Errorf("ошибка чтения артефакта модели: %w", err)
	}

	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("ошибка разбора артефакта модели: %w", err)
	}
	if art.Forest == nil {
		return fmt.Errorf("артефакт модели не содержит леса")
	}

	s.active.Store(&snapshot{
		forest:     art.Forest,
		generation: art.Generation,
		trainedAt:  art.TrainedAt,
	})
	s.cycles = 0

	logger.Info("Модель загружена",
		zap.Int("generation", art.Generation),
		zap.Time("trained_at", art.TrainedAt))
	return nil
}

// LoadOrTrain восстанавливает модель при старте процесса: если артефакт
// существует, модель загружается, иначе выполняется первое обучение.
func (s *Service) LoadOrTrain(features []models.FeatureVector) error {
	if _, err := os.Stat(s.config.Path); err == nil {
		if err := s.Load(); err == nil {
			return nil
		}
		logger.Warn("Артефакт модели поврежден, выполняется обучение с нуля", zap.String("path", s.config.Path))
	}
	return s.Train(features)
}

// persist атомарно записывает артефакт: сначала во временный файл,
// затем rename, чтобы по известному пути не появился недописанный JSON.
func (s *Service) persist(snap *snapshot) error {
	data, err := json.Marshal(artifact{
		Generation: snap.generation,
		TrainedAt:  snap.trainedAt,
		Trees:      s.config.Trees,
		Forest:     snap.forest,
	})
	if err != nil {
		return err
	}

	tmp := s.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.config.Path)
}
