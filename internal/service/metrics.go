package service

import (
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
)

// MetricsRecorder receives gateway counters. The Prometheus implementation
// lives in the inbound http adapter.
type MetricsRecorder interface {
	RecordDecision(action policy.Action, decision audit.Decision, method audit.Method)
	SetDownstreams(connected, failed int)
	RecordAuditFailure()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDecision(policy.Action, audit.Decision, audit.Method) {}
func (NopMetrics) SetDownstreams(int, int)                                    {}
func (NopMetrics) RecordAuditFailure()                                        {}
