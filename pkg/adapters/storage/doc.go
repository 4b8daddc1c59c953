// Package storage provides dataset state store implementations.
//
// Implementations:
//   - file: one JSON document per dataset, atomic replace on write (default)
//   - redis: Redis with JSON serialization
//   - memory: In-memory for testing
package storage
