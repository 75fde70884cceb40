// Package errors provides standardized error handling for the pipeline.
//
// # Overview
//
// The package implements a five-kind classification: Auth (rejected
// credentials or refresh failure, never retried locally), Transport
// (network/TLS/timeout, retry is the caller's policy), RemoteAPI (non-401
// non-2xx with status and body preserved), Storage (database failures, batch
// rolled back) and Invalid (bad input or configuration).
//
// Classification enables callers to make retry and escalation decisions
// without string matching, and integrates with errors.Is, errors.As and
// error wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Four classification-aware wrappers apply the pattern:
//
//	errors.WrapAuth(err, "TokenManager", "refresh", "exchange credentials")
//	errors.WrapTransport(err, "Client", "FetchTelemetry", "execute request")
//	errors.WrapStorage(err, "Primary", "UpsertSilver", "commit batch")
//	errors.WrapInvalid(err, "Config", "Validate", "parse base URL")
//
// Remote responses that must preserve diagnostics use the dedicated
// constructors:
//
//	errors.RemoteAPI("Client", "FetchTelemetry", resp.StatusCode, string(body))
//	errors.AuthStatus("TokenManager", "refresh", resp.StatusCode, string(body))
//
// and callers recover them with RemoteStatus(err).
//
// # Classification Checks
//
//	if errors.IsTransport(err) {
//	    // caller-side backoff and retry
//	}
//	if errors.IsAuth(err) {
//	    // surface to operator; credentials need attention
//	}
//
// Context cancellation errors are classified as transport so timeout handling
// is uniform whether the deadline fired in the HTTP client or the context.
//
// Normalization skips are deliberately NOT errors: the normalizer reports
// them as counts in its result. Only structurally invalid input (not
// parseable at all) surfaces as KindInvalid.
package errors
