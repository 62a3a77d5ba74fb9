// Package fetch calls an upstream HTTP service, retries transient failures
// with exponential backoff, and validates the JSON shape of the response.
//
// Execute returns an Outcome: either a validated payload or a Failure tagged
// with an ErrorKind. It never panics and never returns a bare error.
//
// Retries
//   - Controlled by RetryPolicy: MaxAttempts, InitialDelay, BackoffMultiplier,
//     RetryableStatusCodes.
//   - Retried: transport errors, attempts that exceed AttemptTimeout, and
//     statuses listed in RetryableStatusCodes.
//   - Not retried: any other non-2xx status, bodies that are not JSON, and
//     bodies rejected by the ValidationRule.
//
// Backoff Strategy
//   - delay before attempt k+1 = InitialDelay * BackoffMultiplier^(k-1).
//   - No jitter is applied, so schedules are deterministic.
//   - A single delay is capped at 5 minutes.
//
// Cancellation
//   - Cancelling ctx aborts the in-flight attempt or the pending backoff sleep
//     and yields a Cancelled failure. No attempt starts after cancellation.
//
// Notes
//   - Request bodies are re-sent by rebuilding the http.Request on each attempt.
//   - Interceptor errors are not retried and are surfaced as InvalidRequest.
//   - Credentials belong in RequestDescriptor headers; the package reads no
//     configuration or environment state.
package fetch
