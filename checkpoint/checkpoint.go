// Package checkpoint defines durable persistence for workflow state. The
// orchestrator saves after every committed node and on suspension so a run
// can be resumed by session ID after a crash or an operator-driven pause.
package checkpoint

import (
	"context"
	"errors"

	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

// ErrNotFound reports that no checkpoint exists for the session.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists workflow state keyed by session ID. Save overwrites any
// previous checkpoint for the session. Load returns ErrNotFound when the
// session has no checkpoint. Implementations must be safe for concurrent
// use.
type Store interface {
	Save(ctx context.Context, st *state.State) error
	Load(ctx context.Context, sessionID string) (*state.State, error)
	Delete(ctx context.Context, sessionID string) error
}
