package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Values of Status.Status.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one part of the daemon, or of the whole daemon with
// its parts in SubStatuses.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are counters attached to a status for operators.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	QueueDepth        int           `json:"queue_depth,omitempty"`
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of s carrying metrics.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// Err returns nil unless the status is unhealthy. Degraded counts as serving.
func (s Status) Err() error {
	if !s.IsUnhealthy() {
		return nil
	}
	return fmt.Errorf("%s unhealthy: %s", s.Component, s.Message)
}

// Aggregate reports the worst of parts: unhealthy beats degraded beats
// healthy. No parts at all is healthy.
func Aggregate(component string, parts []Status) Status {
	if len(parts) == 0 {
		return NewHealthy(component, "Nothing to report")
	}

	var unhealthy, degraded []string
	for _, p := range parts {
		switch {
		case p.IsUnhealthy():
			unhealthy = append(unhealthy, p.Component)
		case p.IsDegraded():
			degraded = append(degraded, p.Component)
		}
	}

	var s Status
	switch {
	case len(unhealthy) > 0:
		s = NewUnhealthy(component, "Unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		s = NewDegraded(component, "Degraded: "+strings.Join(degraded, ", "))
	default:
		s = NewHealthy(component, "All parts healthy")
	}
	s.SubStatuses = append([]Status(nil), parts...)
	return s
}

// redactions run in order. URLs go before paths since URLs contain paths.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?:https?|nats|wss?)://\S+`), "[URL]"},
	{regexp.MustCompile(`/[\w/.-]+`), "[PATH]"},
	{regexp.MustCompile(`[A-Z]:\\[^:\s]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
	{regexp.MustCompile(`(?i)(?:password|token|key|secret|credential)\W*[:=][^,\s}]+`), "[REDACTED]"},
}

// Redact strips board addresses, ports, paths, URLs and credentials from msg
// so health responses can carry error text.
func Redact(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	return msg
}
