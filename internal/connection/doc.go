// Package connection implements the realtime Connection Manager.
//
// The Connection Manager:
//   - Owns a single WebSocket to the application server, authenticated with
//     the user's access token as a query parameter
//   - Classifies every close: 1000 stops, 1008/1011 are authentication
//     failures, anything else is retried with a linear 2s/4s/6s backoff
//   - Opens a circuit breaker (state "disabled") when retries run out, a
//     connect attempt hangs past its timeout, or setup fails
//   - Hands every inbound frame to a Dispatcher (the Event Router)
//
// The Gate ties the manager to login and logout notifications.
package connection
