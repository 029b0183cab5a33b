// Package access decides what a user may do with a board. It is the single
// source of truth for both the REST handlers and the realtime path: the same
// evaluator instance is consulted with the same loaded Board aggregate, so the
// two boundaries can never disagree.
package access

import (
	"whiteboard-backend/internal/model"
)

// AnonymousUser marks a caller with no resolved identity. Only public boards
// are viewable anonymously.
const AnonymousUser int64 = 0

// Evaluator evaluates roles against a board's ACL. It holds no mutable
// state and performs no I/O; the Board must already be loaded with its
// collaborator list.
type Evaluator struct {
	// openViewer, when set, grants any authenticated user viewer access to
	// any board regardless of ACL or public flag. This mirrors the original
	// deployment's behavior and is deliberately a config switch rather than
	// a hardcoded rule.
	openViewer bool
}

// NewEvaluator creates an Evaluator. openViewer corresponds to the
// AUTH_OPEN_VIEWER config flag.
func NewEvaluator(openViewer bool) *Evaluator {
	return &Evaluator{openViewer: openViewer}
}

// ResolveRole returns the highest role userID holds on the board, and whether
// any role is held at all. The owner resolves to admin, the highest stored
// tier; ownership itself is checked separately where it matters.
func (e *Evaluator) ResolveRole(userID int64, board *model.Board) (model.BoardRole, bool) {
	if userID != AnonymousUser && userID == board.OwnerID {
		return model.RoleAdmin, true
	}

	for _, collab := range board.Collaborators {
		if collab.UserID == userID {
			return collab.Role, true
		}
	}

	return "", false
}

// HasAccess reports whether userID may act on the board at the required tier.
//
// Order of checks:
//  1. owner → always allowed
//  2. public board → viewer allowed for anyone, including anonymous callers
//  3. ACL entry with sufficient rank
//  4. open-viewer fallback: any authenticated user gets viewer access
func (e *Evaluator) HasAccess(userID int64, board *model.Board, required model.BoardRole) bool {
	if board == nil {
		return false
	}

	if userID != AnonymousUser && userID == board.OwnerID {
		return true
	}

	if board.IsPublic && required == model.RoleViewer {
		return true
	}

	if role, ok := e.ResolveRole(userID, board); ok {
		return role.Rank() >= required.Rank()
	}

	if e.openViewer && userID != AnonymousUser && required == model.RoleViewer {
		return true
	}

	return false
}

// IsOwner reports board ownership. Owner-only actions (board deletion) use
// this directly instead of a role rank.
func (e *Evaluator) IsOwner(userID int64, board *model.Board) bool {
	return userID != AnonymousUser && userID == board.OwnerID
}
