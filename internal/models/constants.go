package models

import "time"

// DateLayout is the wire format of calendar dates in payloads.
const DateLayout = "2006-01-02"

const (
	// DefaultStatusTTL время жизни снимка статуса в Redis
	DefaultStatusTTL = 24 * time.Hour

	// DeadLetterLimit сколько терминальных операций хранится в списке
	DeadLetterLimit = 500

	// DefaultMaxAttempts число попыток до эскалации RETRY в DISCARD
	DefaultMaxAttempts = 8

	// DefaultRequestTimeout таймаут одного удалённого вызова
	DefaultRequestTimeout = 15 * time.Second

	// DefaultPeriodicInterval период страховочного таймера синхронизации
	DefaultPeriodicInterval = 5 * time.Minute

	// DefaultBackoffBase базовая задержка повтора
	DefaultBackoffBase = 2 * time.Second

	// DefaultBackoffMax предел задержки повтора
	DefaultBackoffMax = 10 * time.Minute

	// DefaultDebounce сколько сигнал сети должен продержаться
	DefaultDebounce = 2 * time.Second

	// DefaultProbeInterval период проверки /healthz
	DefaultProbeInterval = 30 * time.Second
)
