// Package clock абстрагирует работу со временем, чтобы heartbeat, backoff
// и ack timeout можно было детерминированно тестировать.
package clock

import "time"

// Clock источник времени. В production используется Real(), в тестах Fake().
type Clock interface {
	// Now возвращает текущее время.
	Now() time.Time
	// After возвращает канал, который получит время по истечении d.
	// При d <= 0 канал получает значение сразу.
	After(d time.Duration) <-chan time.Time
	// NewTicker создает Ticker с периодом d. Паникует при d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker периодический таймер. Тики читаются из C, Stop освобождает ресурсы.
// Канал C имеет емкость 1: если потребитель отстает, тики отбрасываются.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop останавливает ticker. C не закрывается.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset меняет период и перезапускает отсчет.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Real возвращает Clock на основе пакета time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}
