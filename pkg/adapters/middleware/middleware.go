// Package middleware decorates checkpoint stores with behavior the backend
// does not need to know about, such as encrypting state at rest.
package middleware

import "github.com/aretw0/canopy/pkg/ports"

// Middleware wraps a CheckpointStore with additional behavior.
type Middleware func(ports.CheckpointStore) ports.CheckpointStore
