// Package gateway defines the uniform call interface to external capabilities
// (tools and resources) consumed by the workflow engine. The engine depends on
// the Gateway contract only; concrete transports (in-process registries, MCP
// servers) live in subpackages or are provided by callers.
package gateway

import (
	"context"
	"time"
)

type (
	// Gateway is the capability boundary of the engine. Given a capability
	// name and structured arguments it returns structured data or an *Error
	// carrying the failure taxonomy (not-found, invalid-arguments,
	// execution-error, timeout).
	//
	// Implementations must be safe for concurrent use: the gateway is the
	// only resource shared across concurrent workflow runs.
	Gateway interface {
		// Call invokes the named capability with the given arguments. A
		// non-positive timeout means the implementation's default applies.
		Call(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (any, error)

		// Read fetches the named resource through the gateway's read-only
		// path. Resources take no arguments beyond their identifier.
		Read(ctx context.Context, resource string, timeout time.Duration) (any, error)
	}

	// Capability describes one externally callable function: its name and the
	// JSON Schema of its input. Catalogs of capabilities are presented to the
	// model as tool definitions.
	Capability struct {
		// Name is the unique capability identifier (e.g. "query_database").
		Name string
		// Description documents the capability for planner prompting.
		Description string
		// InputSchema is a JSON Schema object describing the expected
		// arguments ("type": "object", "properties", "required").
		InputSchema map[string]any
	}

	// CatalogProvider lists the capabilities reachable through a gateway. The
	// orchestrator resolves the catalog once per run at start; the engine
	// never hard-codes a capability list.
	CatalogProvider interface {
		ListCapabilities(ctx context.Context) ([]Capability, error)
	}
)
