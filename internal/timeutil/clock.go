// Package timeutil содержит абстракцию часов для тестируемого отсчета времени
package timeutil

import (
	"sync"
	"time"
)

// Clock источник текущего времени
type Clock interface {
	// Now возвращает текущее время
	Now() time.Time
	// Since возвращает время, прошедшее с t
	Since(t time.Time) time.Duration
}

// RealClock реализует Clock через пакет time
type RealClock struct{}

// Now возвращает текущее время
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since возвращает время, прошедшее с t
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock часы с ручным управлением для тестов
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock создает MockClock, установленный на время t
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now возвращает текущее время мока
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since возвращает время, прошедшее с t по часам мока
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set устанавливает часы на заданное время
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance сдвигает часы вперед на d
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
