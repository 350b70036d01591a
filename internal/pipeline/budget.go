// Почасовой бюджет пропускной способности: после limit доставленных групп
// конвейер засыпает на pause_time секунд. Грубый предохранитель поверх
// обработчика FLOOD_WAIT для многочасовых прогонов.
package pipeline

import (
	"context"
	"time"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/timeutil"
)

// Budget считает доставленные группы и приостанавливает конвейер по лимиту.
// Не потокобезопасен: им владеет единственный консьюмер.
type Budget struct {
	limit int
	pause time.Duration
	count int
}

// NewBudget создаёт бюджет: limit групп, затем пауза pauseSec секунд.
// Нулевой или отрицательный limit отключает бюджет.
func NewBudget(limit, pauseSec int) *Budget {
	return &Budget{limit: limit, pause: time.Duration(pauseSec) * time.Second}
}

// Spent регистрирует одну доставленную группу. При достижении лимита спит
// паузу (прерываясь на отмене контекста) и начинает счёт заново.
func (b *Budget) Spent(ctx context.Context) error {
	if b.limit <= 0 {
		return nil
	}
	b.count++
	if b.count < b.limit {
		return nil
	}
	b.count = 0
	if b.pause <= 0 {
		return nil
	}
	logger.Infof("Pipeline: delivered %d groups, pausing for %s", b.limit, b.pause)
	return timeutil.Sleep(ctx, b.pause)
}
