// Package router implements the Event Router.
//
// Inbound messages are JSON objects with a mandatory "type" field. The router
// keeps an ordered list of handlers per type; Dispatch calls them in
// subscription order with the full envelope. Consumers that do slow work
// (database writes, Redis publishes) subscribe through a Queue so dispatch
// never waits on them.
package router
