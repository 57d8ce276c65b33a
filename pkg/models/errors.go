package models

import "errors"

// Ошибки предметной области. Политика обработки: ни одна из них не
// останавливает процесс, каждая означает пропуск символа или цикла.
var (
	// ErrInsufficientData свечей меньше, чем требует самое длинное окно индикатора
	ErrInsufficientData = errors.New("недостаточно данных для расчета признаков")

	// ErrEmptyTrainingSet меньше двух размеченных строк признаков
	ErrEmptyTrainingSet = errors.New("пустая обучающая выборка")

	// ErrModelUnavailable предсказание запрошено до первого успешного обучения
	ErrModelUnavailable = errors.New("модель недоступна")

	// ErrDataIntegrity некорректная цена на входе риск-менеджера
	ErrDataIntegrity = errors.New("нарушение целостности данных")

	// ErrOrderRejected биржа отклонила ордер, повтор не выполняется
	ErrOrderRejected = errors.New("ордер отклонен биржей")
)
