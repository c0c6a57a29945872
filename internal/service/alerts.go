package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/enactai/enact/internal/model"
)

// minAlertCalls is the fewest executed calls a token needs in the alert
// window before its error rate is judged.
const minAlertCalls = 10

// AlertThresholds tunes Alerts. A zero threshold disables its check.
type AlertThresholds struct {
	// HighUsage flags tokens with more requests than this in Window.
	HighUsage int64
	// ErrorRate flags tokens whose executed calls in Window failed at a
	// higher rate than this.
	ErrorRate float64
	// UnusedAfter flags tokens with no activity for this long. A token
	// that was never used counts from its creation.
	UnusedAfter time.Duration
	// Window is the trailing usage window for the usage based checks.
	Window time.Duration
}

// DefaultAlertThresholds returns the thresholds used when none are configured.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		HighUsage:   1000,
		ErrorRate:   0.1,
		UnusedAfter: 30 * 24 * time.Hour,
		Window:      24 * time.Hour,
	}
}

// Alerts reviews every active token and reports the findings, one alert per
// kind with at least one token. Kinds with no tokens are omitted.
func (l *Lifecycle) Alerts(ctx context.Context) ([]model.SecurityAlert, error) {
	th := l.alerts
	tokens, err := l.store.ListTokens(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	now := l.now()

	byID := make(map[string]*model.Token, len(tokens))
	var neverExpire, unused []model.AlertToken
	for _, t := range tokens {
		if t.Expired(now) {
			continue
		}
		byID[t.ID] = t
		if t.ExpiresAt == nil {
			neverExpire = append(neverExpire, model.AlertToken{ID: t.ID, Name: t.Name})
		}
		if th.UnusedAfter > 0 {
			last := t.CreatedAt
			if t.LastUsedAt != nil {
				last = *t.LastUsedAt
			}
			if now.Sub(last) >= th.UnusedAfter {
				unused = append(unused, model.AlertToken{ID: t.ID, Name: t.Name})
			}
		}
	}

	var busy, failing []model.AlertToken
	if th.HighUsage > 0 || th.ErrorRate > 0 {
		if l.recorder == nil {
			return nil, errors.New("usage recording is not configured")
		}
		summary, err := l.recorder.Summary(ctx, th.Window)
		if err != nil {
			return nil, fmt.Errorf("summarize usage: %w", err)
		}
		for _, row := range summary {
			t, ok := byID[row.TokenID]
			if !ok {
				continue
			}
			if th.HighUsage > 0 && row.TotalRequests > th.HighUsage {
				busy = append(busy, model.AlertToken{ID: t.ID, Name: t.Name, Value: float64(row.TotalRequests)})
			}
			executed := row.TotalRequests - row.Denied
			if th.ErrorRate > 0 && executed >= minAlertCalls {
				if rate := float64(row.Failed) / float64(executed); rate > th.ErrorRate {
					failing = append(failing, model.AlertToken{ID: t.ID, Name: t.Name, Value: rate})
				}
			}
		}
	}

	alerts := []model.SecurityAlert{}
	if len(neverExpire) > 0 {
		alerts = append(alerts, model.SecurityAlert{
			Kind:     model.AlertNeverExpires,
			Severity: model.SeverityWarning,
			Title:    "Tokens without expiration",
			Message:  fmt.Sprintf("%d active tokens have no expiration date", len(neverExpire)),
			Tokens:   neverExpire,
		})
	}
	if len(unused) > 0 {
		alerts = append(alerts, model.SecurityAlert{
			Kind:     model.AlertUnused,
			Severity: model.SeverityInfo,
			Title:    "Unused tokens",
			Message:  fmt.Sprintf("%d active tokens have not been used in %s", len(unused), formatDays(th.UnusedAfter)),
			Tokens:   unused,
		})
	}
	if len(busy) > 0 {
		alerts = append(alerts, model.SecurityAlert{
			Kind:     model.AlertHighUsage,
			Severity: model.SeverityInfo,
			Title:    "High usage tokens",
			Message:  fmt.Sprintf("%d tokens exceeded %d requests in the last %s", len(busy), th.HighUsage, formatWindow(th.Window)),
			Tokens:   busy,
		})
	}
	if len(failing) > 0 {
		alerts = append(alerts, model.SecurityAlert{
			Kind:     model.AlertHighErrorRate,
			Severity: model.SeverityWarning,
			Title:    "High error rate tokens",
			Message:  fmt.Sprintf("%d tokens failed more than %.0f%% of calls in the last %s", len(failing), th.ErrorRate*100, formatWindow(th.Window)),
			Tokens:   failing,
		})
	}
	return alerts, nil
}

func formatDays(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days == 1 {
		return "1 day"
	}
	if days > 1 {
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
