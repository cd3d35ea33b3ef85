// Package counter keeps contacts.unread_count in step with message
// mutations. Every delta is applied inside the transaction that performs
// the triggering mutation; the count is never recomputed by scanning.
package counter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

// InsertDelta is the change caused by inserting m.
func InsertDelta(m *model.Message) int {
	if m.Unread() {
		return 1
	}
	return 0
}

// UpdateDelta is the change caused by replacing before with after.
// Only the unread to read transition of an incoming message counts.
func UpdateDelta(before, after *model.Message) int {
	if before.Unread() && !after.Unread() {
		return -1
	}
	if !before.Unread() && after.Unread() {
		return 1
	}
	return 0
}

// DeleteDelta is the change caused by deleting m.
func DeleteDelta(m *model.Message) int {
	if m.Unread() {
		return -1
	}
	return 0
}

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Maintainer struct{}

func NewMaintainer() *Maintainer {
	return &Maintainer{}
}

// Apply adjusts the contact's unread_count by delta, floored at zero.
// A zero delta issues no statement.
func (m *Maintainer) Apply(ctx context.Context, ex Execer, contactID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx, `
		UPDATE contacts
		SET unread_count = GREATEST(unread_count + $2, 0),
		    updated_at = now()
		WHERE id = $1
	`, contactID, delta)
	if err != nil {
		return fmt.Errorf("apply unread delta %d to contact %d: %w", delta, contactID, err)
	}
	return nil
}

// Floor applies delta to current in memory with the same floor as Apply.
func Floor(current, delta int) int {
	if n := current + delta; n > 0 {
		return n
	}
	return 0
}
