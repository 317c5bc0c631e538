package observability

import (
	"log"
	"time"
)

// Level is the severity of an operational alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is a rate-limited operational notification.
type Alert struct {
	Level   Level                  `json:"level"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	Time    time.Time              `json:"time"`
}

// Alerter receives alerts. Implementations must not block.
type Alerter interface {
	Alert(a Alert)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(a Alert)

func (f AlerterFunc) Alert(a Alert) { f(a) }

// LogAlerter writes alerts to the standard logger.
type LogAlerter struct{}

func (LogAlerter) Alert(a Alert) {
	log.Printf("ALERT [%s]: %s %v", a.Level, a.Message, a.Context)
}

// ChanAlerter forwards alerts to a channel, dropping them when it is full.
type ChanAlerter chan Alert

func (c ChanAlerter) Alert(a Alert) {
	select {
	case c <- a:
	default:
		log.Printf("Alert channel full, dropping alert: %s", a.Message)
	}
}
