package protocol

import "github.com/skillrunner/agent-harness/internal/adapters"

// Metrics summarizes one attempt's RASP stream.
type Metrics struct {
	ParserProfile        string  `json:"parser_profile"`
	EventCount           int     `json:"event_count"`
	DiagnosticCount      int     `json:"diagnostic_count"`
	RawEventCount        int     `json:"raw_event_count"`
	ParserFallbackCount  int     `json:"parser_fallback_count"`
	UnknownTerminalCount int     `json:"unknown_terminal_count"`
	AvgConfidence        float64 `json:"avg_confidence"`
}

// ComputeProtocolMetrics derives stream metrics from the persisted RASP rows.
func ComputeProtocolMetrics(rasp []RASPEvent) Metrics {
	m := Metrics{}
	if len(rasp) == 0 {
		return m
	}
	m.ParserProfile = rasp[0].Source.Parser
	m.EventCount = len(rasp)
	var confidenceSum float64
	for _, ev := range rasp {
		confidenceSum += ev.Source.Confidence
		switch ev.Event.Category {
		case "diagnostic":
			m.DiagnosticCount++
			if code, _ := ev.Data["code"].(string); code == adapters.DiagPTYFallbackUsed {
				m.ParserFallbackCount++
			}
		case "raw":
			m.RawEventCount++
		}
		if ev.Event.Type == "lifecycle.run.terminal" {
			if status, _ := ev.Data["status"].(string); !TerminalStatus(status) {
				m.UnknownTerminalCount++
			}
		}
	}
	m.AvgConfidence = confidenceSum / float64(len(rasp))
	return m
}
