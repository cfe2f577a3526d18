// Package reconcile binds a device's local replica to an authenticated
// server identity. It runs exactly once, immediately after sign-in,
// before normal sync resumes.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"routeledger/internal/localstore"
	"routeledger/internal/models"
	"routeledger/internal/state"
)

type Reconciler struct {
	store  *localstore.Store
	state  *state.Store
	logger *slog.Logger
}

func New(store *localstore.Store, st *state.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, state: st, logger: logger}
}

// Run merges the local replica with the server identity from the
// authentication flow. The credential is stored only after the merge
// succeeds; on error the caller must surface it and retry the whole
// authentication flow rather than sync with a mismatched identity.
func (r *Reconciler) Run(ctx context.Context, auth models.AuthResult) error {
	local, err := r.store.LocalUser(ctx)
	if err != nil {
		return fmt.Errorf("reading local identity: %w", err)
	}

	switch {
	case local == nil:
		// Fresh replica: adopt the server identity directly.
		if _, err := r.store.EnsureUser(ctx, auth.User); err != nil {
			return fmt.Errorf("adopting server identity: %w", err)
		}
	case local.ID == auth.User.ID:
		// Already reconciled.
	default:
		n, err := r.store.CountActiveExpenses(ctx, local.ID)
		if err != nil {
			return fmt.Errorf("probing local data: %w", err)
		}
		if n > 0 {
			r.logger.Info("reconciling as first device", "expenses", n)
			if err := r.keepLocal(ctx, local.ID, auth.User); err != nil {
				return fmt.Errorf("keep-local reconciliation: %w", err)
			}
		} else {
			r.logger.Info("reconciling as blank slate")
			if err := r.blankSlate(ctx, local.ID, auth.User); err != nil {
				return fmt.Errorf("blank-slate reconciliation: %w", err)
			}
		}
	}

	if err := r.state.SetCredentials(auth.Token, auth.User); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// keepLocal is the "first device" path: the local replica holds data
// worth preserving. The identity's primary key and every foreign key
// referencing it are rewritten to the server id, then every pre-existing
// owned row is re-emitted as a fresh unsynced log entry so push uploads
// the prior state. Foreign key enforcement is relaxed around the rename
// because intermediate states transiently violate referential
// integrity.
func (r *Reconciler) keepLocal(ctx context.Context, oldID string, serverUser models.User) error {
	if err := r.store.SetForeignKeys(false); err != nil {
		return err
	}
	defer func() {
		if err := r.store.SetForeignKeys(true); err != nil {
			r.logger.Error("restoring foreign key enforcement", "error", err)
		}
	}()

	appended := false
	err := r.store.WithTx(func(tx *sql.Tx) error {
		if err := r.store.RewriteUserIDTx(ctx, tx, oldID, serverUser.ID, serverUser.Email); err != nil {
			return err
		}

		tables := append([]string{models.TableUsers}, localstore.OwnedTables()...)
		for _, table := range tables {
			snaps, err := r.store.SnapshotRowsTx(ctx, tx, table, serverUser.ID)
			if err != nil {
				return fmt.Errorf("snapshotting %s: %w", table, err)
			}
			for _, snap := range snaps {
				logged, err := r.store.HasEntryTx(ctx, tx, table, snap.ID)
				if err != nil {
					return err
				}
				if logged {
					continue
				}
				if _, err := r.store.AppendTx(ctx, tx, serverUser.ID, table, snap.ID, models.ActionCreate, snap.Payload); err != nil {
					return fmt.Errorf("re-emitting %s/%s: %w", table, snap.ID, err)
				}
				appended = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if appended {
		r.store.NotifyAppended()
	}
	return nil
}

// blankSlate is the "subsequent device" path: nothing local is worth
// keeping. Structural rows are discarded, the server identity's base
// fields adopted, the mutation log wiped, and the pull cursor cleared
// so the next sync repopulates from the server's full history.
func (r *Reconciler) blankSlate(ctx context.Context, oldID string, serverUser models.User) error {
	err := r.store.WithTx(func(tx *sql.Tx) error {
		if err := r.store.DeleteOwnedRowsTx(ctx, tx, oldID); err != nil {
			return err
		}
		if err := r.store.AdoptUserTx(ctx, tx, oldID, serverUser); err != nil {
			return err
		}
		return r.store.WipeLog(ctx, tx)
	})
	if err != nil {
		return err
	}
	return r.state.ClearCursor()
}
