// Package events provides event bus implementations.
//
// Implementations:
//   - memory: in-process fan-out (default)
//   - redis: Redis Streams with consumer groups, for external observers
package events
