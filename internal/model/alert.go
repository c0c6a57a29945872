package model

// AlertKind names a class of security alert.
type AlertKind string

const (
	AlertNeverExpires  AlertKind = "never_expires"
	AlertUnused        AlertKind = "unused"
	AlertHighUsage     AlertKind = "high_usage"
	AlertHighErrorRate AlertKind = "high_error_rate"
)

// AlertSeverity ranks an alert.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
)

// SecurityAlert groups the active tokens that share one finding.
type SecurityAlert struct {
	Kind     AlertKind     `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	Tokens   []AlertToken  `json:"tokens"`
}

// AlertToken identifies a token named by an alert. Value carries the
// measurement behind the finding where there is one: request count for
// high usage, error rate for high error rate.
type AlertToken struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value,omitempty"`
}
