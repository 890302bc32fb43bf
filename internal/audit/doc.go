// Package audit implements async event dispatching for security decisions.
//
// # Components
//
//   - [Sink] receives events (channel, JSON lines writer, no-op).
//   - [Dispatcher] is a buffered relay that either drops or blocks when full.
//   - [Event] is the record: timestamp, type, user, token family, factor, IP, metadata.
//
// The Engine decides which events to emit. This package only buffers and
// delivers them, and must not import authflow or a sibling internal package.
package audit
