// Package endpoint implements the run-task HTTP endpoint that receives
// self-dispatched task requests.
//
// The endpoint is reachable on an open network, so every request is verified
// before any task code runs. Verification is stateless: there is no nonce
// store and no session.
//
// # Security Model
//
// - Provenance: the Referer must name the application's own base URL
// - Task kind must be registered (unknown identifiers get the same 403)
// - Token verified against the exact identifier and arguments (crypto/subtle comparison)
// - Body size limits enforced to prevent DoS attacks
// - No verification details leaked in error responses (always generic 403)
// - Request logging excludes argument payloads
//
// # Request Flow
//
//  1. HTTP POST arrives at the configured path
//  2. Referer checked against the base URL (reject with 403)
//  3. Body size checked (reject with 413 if too large)
//  4. Form fields class, data, request_nonce extracted
//  5. class resolved in the task registry (reject with 403)
//  6. data decoded as a JSON array, token recomputed for the current and previous tick (reject with 403)
//  7. Task kind re-resolved and invoked with the decoded arguments in order
//  8. 200 with {"success": true, "data": ...} or {"success": false, "code": ..., "message": ...}
//
// Tasks run with a context that is not cancelled when the sender disconnects,
// so an async dispatch that stops listening does not abort the work.
//
// # Error Responses
//
// - 403 Forbidden: provenance, unknown task, malformed arguments or bad token (no details)
// - 405 Method Not Allowed: anything but POST
// - 413 Payload Too Large: body exceeds MaxBodySize
// - 200 with success=false: the task failed (its own code), panicked (task_panic)
// or could not be invoked (invalid_callback)
//
// Task errors without a code, or with a code the endpoint reserves for itself
// (see protocol.Reserved), are sent as task_failed with the task's message.
package endpoint
