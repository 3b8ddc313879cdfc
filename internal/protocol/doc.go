// Package protocol defines the device bus contract: topic layout, message
// kinds and the JSON codec between typed messages and wire payloads.
//
// Topic hierarchy:
//
//	iot/dashboard/register            device → registry  Registration
//	iot/dashboard/{id}/sensors        device → registry  Telemetry
//	iot/dashboard/{id}/status         device → registry  Heartbeat
//	iot/dashboard/{id}/control        registry → device  Command
//
// The codec is pure and stateless. Decode functions return an error wrapping
// ErrMalformedPayload when a required field is missing or has the wrong JSON
// type; callers log and drop such payloads. Encode functions never fail for
// values built by this package.
//
// Timestamps are written as RFC 3339 strings in UTC. Decoding also accepts
// Unix seconds as a JSON number and ISO 8601 local times without an offset
// (read as UTC), which is what existing field firmware sends.
package protocol
