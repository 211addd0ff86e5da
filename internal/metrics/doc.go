// Package metrics defines the OpenTelemetry instruments recorded by the
// streaming core. Instruments are created on the global meter provider, so
// installing an exporter is the embedding program's job.
package metrics
