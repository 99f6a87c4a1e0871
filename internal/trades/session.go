// Package trades reconstructs round-trip trades from committed executions.
package trades

import (
	"time"

	"tradejournal/internal/models"
)

// SessionClassifier classifies timestamps against fixed exchange-hour
// windows.
type SessionClassifier struct {
	location *time.Location
}

// NewSessionClassifier creates a classifier for the given exchange timezone.
func NewSessionClassifier(timezone string) (*SessionClassifier, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &SessionClassifier{location: loc}, nil
}

// Classify returns the market session a timestamp falls in. Exchange-hour
// windows: pre-market 04:00-09:30, regular 09:30-16:00, after-hours
// 16:00-20:00, otherwise closed. Weekends are closed.
func (c *SessionClassifier) Classify(t time.Time) models.MarketSession {
	t = t.In(c.location)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return models.SessionClosed
	}

	minutes := t.Hour()*60 + t.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return models.SessionPreMarket
	case minutes >= 9*60+30 && minutes < 16*60:
		return models.SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return models.SessionAfterHours
	default:
		return models.SessionClosed
	}
}

// Holding period cutoffs.
const (
	scalpCutoff    = 30 * time.Minute
	intradayCutoff = 24 * time.Hour
	swingCutoff    = 14 * 24 * time.Hour
	positionCutoff = 90 * 24 * time.Hour
)

// ClassifyHoldingPeriod buckets a trade's duration.
func ClassifyHoldingPeriod(entry, exit time.Time) models.HoldingPeriod {
	d := exit.Sub(entry)
	switch {
	case d < scalpCutoff:
		return models.HoldScalp
	case d < intradayCutoff:
		return models.HoldIntraday
	case d < swingCutoff:
		return models.HoldSwing
	case d < positionCutoff:
		return models.HoldPosition
	default:
		return models.HoldLongTerm
	}
}
