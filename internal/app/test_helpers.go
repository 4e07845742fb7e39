package app

import "time"

// Таймауты для тестов, которым нужно подключаться к недоступным адресам.
const testDialTimeout = 3 * time.Second
