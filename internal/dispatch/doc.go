// Package dispatch sends self-addressed run-task requests.
//
// A dispatch resolves the task identifier locally, encodes the positional
// arguments as a JSON array, mints a token over the identifier and the
// canonical arguments, and POSTs the envelope to the application's own
// run-task endpoint.
//
// Two delivery modes share that path:
//   - Async hands the request to a sender goroutine and returns at once.
//     The goroutine gives up after AsyncTimeout; the endpoint keeps running
//     the task after the sender disconnects.
//   - Blocking waits up to its timeout for the endpoint's JSON response.
//
// Error handling:
//   - Unknown identifier or wrong argument count → ErrInvalidTaskKind, no request sent
//   - Connection failure, timeout, malformed response → *TransportError
//   - Endpoint refused the request (403) → ErrRejected
//   - Task reported failure → *task.Error with the task's code and message
//
// No retries are performed.
package dispatch
