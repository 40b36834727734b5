package main

import (
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	movesEventName   = "board.move.request"
	movesEventDomain = "board-api"

	attrHTTPStatusCode = "http.status_code"
	attrCrossParent    = "prism.moves.cross_parent"
	attrReplayed       = "prism.moves.replayed"
	attrErrorStage     = "prism.moves.error_stage"
	attrMillisPrefix   = "prism.moves."
	attrMillisSuffix   = "_ms"
)

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

func (n *numericStats) add(v float64) {
	if n.Count == 0 || v < n.Min {
		n.Min = v
	}
	n.Max = math.Max(n.Max, v)
	n.Sum += v
	n.Count++
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
}

type summaryOutput struct {
	EventName      string                     `json:"event_name"`
	EventDomain    string                     `json:"event_domain"`
	TotalEvents    int                        `json:"total_events"`
	SeverityCounts map[string]int             `json:"severity_counts"`
	StatusCounts   map[string]int             `json:"status_counts"`
	DurationMs     map[string]durationSummary `json:"duration_ms"`
	CrossParent    int                        `json:"cross_parent"`
	Replayed       int                        `json:"replayed"`
	ErrorStages    map[string]int             `json:"error_stages,omitempty"`
	SkippedLines   int                        `json:"skipped_lines"`
}

// collector aggregates the per-request observability events board-api logs for moves.
type collector struct {
	eventName   string
	eventDomain string

	count       int
	severity    map[string]int
	status      map[int]int
	durations   map[string]*numericStats
	crossParent int
	replayed    int
	errorStages map[string]int
	skipped     int
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    make(map[string]int),
		status:      make(map[int]int),
		durations:   make(map[string]*numericStats),
		errorStages: make(map[string]int),
	}
}

// ingest accepts one log line. Lines prefixed by a container name ("svc | {...}") are
// unwrapped first.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}
	var rec logRecord
	if err := sonic.UnmarshalString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	sev := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if sev == "" {
		sev = "UNSPECIFIED"
	}
	c.severity[sev]++

	for key, raw := range rec.Attributes {
		switch {
		case key == attrHTTPStatusCode:
			if v, ok := raw.(float64); ok {
				c.status[int(v)]++
			}
		case key == attrCrossParent:
			if b, _ := raw.(bool); b {
				c.crossParent++
			}
		case key == attrReplayed:
			if b, _ := raw.(bool); b {
				c.replayed++
			}
		case key == attrErrorStage:
			if s, _ := raw.(string); s != "" {
				c.errorStages[s]++
			}
		case strings.HasPrefix(key, attrMillisPrefix) && strings.HasSuffix(key, attrMillisSuffix):
			v, ok := raw.(float64)
			if !ok {
				continue
			}
			stage := strings.TrimSuffix(strings.TrimPrefix(key, attrMillisPrefix), attrMillisSuffix)
			stat, ok := c.durations[stage]
			if !ok {
				stat = &numericStats{}
				c.durations[stage] = stat
			}
			stat.add(v)
		}
	}
}

func (c *collector) summary() summaryOutput {
	out := summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.count,
		SeverityCounts: c.severity,
		StatusCounts:   make(map[string]int, len(c.status)),
		DurationMs:     make(map[string]durationSummary, len(c.durations)),
		CrossParent:    c.crossParent,
		Replayed:       c.replayed,
		SkippedLines:   c.skipped,
	}
	for status, n := range c.status {
		out.StatusCounts[strconv.Itoa(status)] = n
	}
	for stage, s := range c.durations {
		out.DurationMs[stage] = durationSummary{Count: s.Count, Min: s.Min, Max: s.Max, Avg: s.Sum / float64(s.Count)}
	}
	if len(c.errorStages) > 0 {
		out.ErrorStages = c.errorStages
	}
	return out
}

// ShortString is the one-line form printed after a load run.
func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	return strings.Join([]string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"conflicts=" + strconv.Itoa(s.StatusCounts["409"]),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
		"avg_total_ms=" + strconv.FormatFloat(total.Avg, 'f', 2, 64),
		"max_total_ms=" + strconv.FormatFloat(total.Max, 'f', 2, 64),
	}, " ")
}
