// Package backoff вычисляет задержки переподключения: экспоненциальный рост
// от Base с множителем 2, ограниченный Max, с необязательным jitter.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Значения по умолчанию для переподключения сессии
const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 0.2
)

// JitterFunc преобразует номинальную задержку в фактическую.
type JitterFunc func(d time.Duration) time.Duration

// NoJitter возвращает задержку без изменений. Используется в тестах.
func NoJitter(d time.Duration) time.Duration { return d }

// ProportionalJitter возвращает JitterFunc, который случайно сдвигает задержку
// в пределах ±fraction от номинала.
func ProportionalJitter(fraction float64) JitterFunc {
	return func(d time.Duration) time.Duration {
		if fraction <= 0 || d <= 0 {
			return d
		}
		spread := float64(d) * fraction
		return d + time.Duration((rand.Float64()*2-1)*spread)
	}
}

// Backoff хранит счетчик попыток. Счетчик не ограничен сверху и сбрасывается
// только вызовом Reset после успешного переподключения.
type Backoff struct {
	jitter   JitterFunc
	base     time.Duration
	max      time.Duration
	attempts uint64
	mu       sync.Mutex
}

// New создает Backoff. Нулевые base и max заменяются значениями по умолчанию,
// nil jitter заменяется на ProportionalJitter(DefaultJitter).
func New(base, maxDelay time.Duration, jitter JitterFunc) *Backoff {
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if jitter == nil {
		jitter = ProportionalJitter(DefaultJitter)
	}
	return &Backoff{base: base, max: maxDelay, jitter: jitter}
}

// Next возвращает задержку перед очередной попыткой и увеличивает счетчик.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	attempt := b.attempts
	b.attempts++
	b.mu.Unlock()

	d := b.jitter(Delay(b.base, b.max, attempt))
	if d > b.max {
		d = b.max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Attempts возвращает число попыток с момента последнего Reset.
func (b *Backoff) Attempts() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset обнуляет счетчик попыток.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Delay возвращает номинальную задержку для попытки attempt (с нуля):
// base * 2^attempt, но не больше maxDelay.
func Delay(base, maxDelay time.Duration, attempt uint64) time.Duration {
	d := base
	for i := uint64(0); i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
