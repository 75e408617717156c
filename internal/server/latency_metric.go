// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// OpMetric tracks counts, latencies and in-flight numbers of "operations":
// RPCs handled for a caller, or chunks of work started internally.
//
// It registers three metric vectors:
//   - a counter with the given name and labels "result" plus the given ones.
//     Start counts with result="all"; Failed and TooBusy count with
//     result="failed" and result="too_busy".
//   - a summary named name+"_latency". End observes the latency unless the
//     op was marked failed or too busy.
//   - a gauge named name+"_pending" with the number of ops in flight.
//
// Usage:
//
//	op := h.opm.Start("write")
//	defer op.EndWithError(&err)
type OpMetric struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric. It panics if the name is registered twice.
func NewOpMetric(name, help string, labels ...string) *OpMetric {
	withResult := append([]string{"result"}, labels...)
	return &OpMetric{
		counters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockvol", Name: name, Help: help,
		}, withResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "blockvol", Name: name + "_latency", Help: help + " (latency in seconds)",
		}, labels),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blockvol", Name: name + "_pending", Help: help + " (in flight)",
		}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Op {
	op := &Op{opm: m, values: values}
	op.count("all")
	op.start = time.Now()
	m.pending.WithLabelValues(values...).Inc()
	return op
}

// Count returns how many ops ended with 'result'.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var value dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&value) != nil {
		return 0
	}
	return uint64(value.GetCounter().GetValue())
}

// String returns a nice string with latency information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed", m.Count("too_busy", values...), m.Count("failed", values...))
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) == nil {
		out += fmt.Sprintf(" / %d pending", int64(value.GetGauge().GetValue()))
	}
	return out
}

// Strings returns String for each single label value in keys.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Op is one operation being measured.
type Op struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the op returned an error.
func (op *Op) Failed() {
	op.count("failed")
}

// TooBusy records that the op was rejected because we're too busy.
func (op *Op) TooBusy() {
	op.count("too_busy")
}

func (op *Op) count(result string) {
	op.start = time.Time{} // don't record latency for this
	op.opm.counters.WithLabelValues(append([]string{result}, op.values...)...).Inc()
}

// End records the elapsed time since Start.
func (op *Op) End() {
	if !op.start.IsZero() {
		op.opm.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
	op.opm.pending.WithLabelValues(op.values...).Dec()
}

// EndWithError marks the op failed if *err isn't NoError, then ends it.
// It takes a pointer so it can be deferred before the result is known.
func (op *Op) EndWithError(err *core.Error) {
	switch *err {
	case core.NoError:
	case core.ErrTooBusy:
		op.TooBusy()
	default:
		op.Failed()
	}
	op.End()
}

// SummaryString formats the quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
