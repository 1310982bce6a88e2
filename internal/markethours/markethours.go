// Package markethours gates the decision loop. Crypto trades around the
// clock, but the bot only acts inside a daily UTC window that closes at a
// configurable cutoff hour and reopens at midnight.
package markethours

import (
	"fmt"
	"time"
)

// DefaultCutoffHour closes the window at 23:00 UTC.
const DefaultCutoffHour = 23

// Window is a daily trading window [00:00, CutoffHour:00) UTC.
// A CutoffHour outside 1..23 means the window never closes.
type Window struct {
	CutoffHour int
}

// NewWindow returns a window closing at cutoffHour UTC.
func NewWindow(cutoffHour int) Window {
	return Window{CutoffHour: cutoffHour}
}

func (w Window) alwaysOpen() bool {
	return w.CutoffHour <= 0 || w.CutoffHour >= 24
}

// IsOpen returns true if t falls inside the window.
func (w Window) IsOpen(t time.Time) bool {
	if w.alwaysOpen() {
		return true
	}
	return t.UTC().Hour() < w.CutoffHour
}

// IsTradingWindow is IsOpen for a one-off cutoff.
func IsTradingWindow(t time.Time, cutoffHour int) bool {
	return NewWindow(cutoffHour).IsOpen(t)
}

// NextOpen returns t if the window is open, otherwise the next midnight UTC.
func (w Window) NextOpen(t time.Time) time.Time {
	if w.IsOpen(t) {
		return t
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// TodayClose returns today's cutoff time (UTC).
func (w Window) TodayClose(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), w.CutoffHour, 0, 0, 0, time.UTC)
}

// TimeUntilClose returns the duration until today's cutoff.
// Returns 0 if the window is already closed or never closes.
func (w Window) TimeUntilClose(t time.Time) time.Duration {
	if w.alwaysOpen() {
		return 0
	}
	d := w.TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntilOpen returns the duration until the window next opens (0 if open).
func (w Window) TimeUntilOpen(t time.Time) time.Duration {
	return w.NextOpen(t).Sub(t)
}

// StatusString returns a human-readable window status.
func (w Window) StatusString(t time.Time) string {
	if w.alwaysOpen() {
		return "Trading Open — 24/7"
	}
	if w.IsOpen(t) {
		return fmt.Sprintf("Trading Open — closes in %s", fmtDur(w.TimeUntilClose(t)))
	}
	return fmt.Sprintf("Trading Closed — opens 00:00 UTC (%s)", fmtDur(w.TimeUntilOpen(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
