// Package telemetry wires OpenTelemetry tracing and meters for the DLP gateway.
//
// It sets up the trace provider, records hop and movement decisions as metrics,
// and offers enrichment helpers that attach classification and decision
// metadata to spans. Entity values and prompt text never reach telemetry;
// only types, counts, labels and reasons do.
package telemetry
