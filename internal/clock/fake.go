package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock детерминированный Clock для тестов. Время идет только при вызове Advance.
// Безопасен для использования из нескольких горутин.
type FakeClock struct {
	current        time.Time
	waitersChanged *sync.Cond
	waiters        []*fakeWaiter
	mu             sync.Mutex
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration // > 0 для ticker
	stopped  bool
}

// Fake создает FakeClock, установленный на initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// Now возвращает текущее фиктивное время.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After регистрирует ожидание, которое сработает при Advance за дедлайн.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: ch})
	c.waitersChanged.Broadcast()
	return ch
}

// NewTicker регистрирует периодическое ожидание.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: c.current.Add(d), channel: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = d
			w.deadline = c.current.Add(d)
			w.stopped = false
			for _, existing := range c.waiters {
				if existing == w {
					return
				}
			}
			c.waiters = append(c.waiters, w)
			c.waitersChanged.Broadcast()
		},
	}
}

// Advance сдвигает время на d и срабатывает все ожидания с дедлайном <= нового времени
// в порядке дедлайнов. Отправка в канал неблокирующая, как у time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		toFire := c.collectExpired(target)
		if len(toFire) == 0 {
			return
		}

		sort.Slice(toFire, func(i, j int) bool {
			return toFire[i].deadline.Before(toFire[j].deadline)
		})

		for _, w := range toFire {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// collectExpired убирает истекшие ожидания и перепланирует тикеры.
// Тикер за один Advance срабатывает не более одного раза на интервал.
func (c *FakeClock) collectExpired(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire, remaining []*fakeWaiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			toFire = append(toFire, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	for _, w := range toFire {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		}
	}

	c.waiters = remaining
	return toFire
}

// WaitForTimers блокируется, пока не будет зарегистрировано хотя бы n активных ожиданий.
// Убирает гонку между горутиной, ставящей таймер, и тестом, двигающим время.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount возвращает число активных ожиданий.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
