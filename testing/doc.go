// Package testing provides test utilities for the fan-out layer.
//
// It follows the net/http/httptest convention of shipping test helpers in a
// dedicated package. Import it under an alias to avoid clashing with the
// standard testing package:
//
//	import fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
//
// Key utilities:
//   - StartEmbeddedNATS / Connect / CreateJetStreamKV: in-process NATS with JetStream
//   - MemoryStore: in-memory time-series, attribute and alarm store
//   - RecordingSession: session transport recording reported errors
//   - StaticResolver: partition resolver with explicit entity ownership
//   - LoopbackQueue: in-process queue connecting simulated nodes
//   - Recorder: collects subscription callbacks
package testing
