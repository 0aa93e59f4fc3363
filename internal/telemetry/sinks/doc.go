// Package sinks implements concrete telemetry consumers such as Prometheus
// and structured logging. Each sink satisfies the telemetry.Sink interface
// and is safe for repeated Consume/Close cycles.
package sinks
