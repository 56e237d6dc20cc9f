package telegram

import "testing"

func BenchmarkValidate_Minimal(b *testing.B) {
	v := NewValidator(Limits{})
	raw := []byte(`{"id":"E8DB84AABB01","counters":[830112]}`)
	for i := 0; i < b.N; i++ {
		v.Validate(raw, int64(len(raw)), testSource) //nolint:errcheck // benchmark
	}
}

func BenchmarkValidate_FullDiagnostics(b *testing.B) {
	v := NewValidator(Limits{})
	raw := []byte(`{"id":"e8db84aabb01","counters":[830112,1220],` +
		`"voltage":3.05,"battery":87,"rssi":-67,"freemem":22712,` +
		`"boot":4,"resets":1,"version":"1.0.4","version_esp":"0.11.6",` +
		`"ip":"192.168.1.52","model":"attiny85","name":"boiler room"}`)
	for i := 0; i < b.N; i++ {
		v.Validate(raw, int64(len(raw)), testSource) //nolint:errcheck // benchmark
	}
}

func BenchmarkValidate_Oversized(b *testing.B) {
	// Rejection path must stay cheap; it guards the unauthenticated edge.
	v := NewValidator(Limits{})
	raw := []byte(`{}`)
	for i := 0; i < b.N; i++ {
		v.Validate(raw, DefaultMaxBodyBytes+1, testSource) //nolint:errcheck // benchmark
	}
}
