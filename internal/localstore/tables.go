package localstore

import "routeledger/internal/models"

// tableSpec describes how pulled entries map onto a replicated table.
// The column list doubles as the identifier allow-list when building
// SQL from payload keys.
type tableSpec struct {
	pk         string
	softDelete bool
	columns    []string
}

var tableSpecs = map[string]tableSpec{
	models.TableUsers: {
		pk:      "id",
		columns: []string{"id", "email", "base_currency", "created_at", "updated_at"},
	},
	models.TableRoutes: {
		pk:         "id",
		softDelete: true,
		columns:    []string{"id", "user_id", "name", "start_date", "end_date", "created_at", "updated_at", "deleted_at"},
	},
	models.TableCategories: {
		pk:         "id",
		softDelete: true,
		columns:    []string{"id", "user_id", "name", "color", "created_at", "updated_at", "deleted_at"},
	},
	models.TablePanels: {
		pk:         "id",
		softDelete: true,
		columns:    []string{"id", "route_id", "user_id", "name", "position", "created_at", "updated_at", "deleted_at"},
	},
	models.TableExpenses: {
		pk:         "id",
		softDelete: true,
		columns:    []string{"id", "user_id", "route_id", "panel_id", "category_id", "amount", "currency", "description", "spent_at", "created_at", "updated_at", "deleted_at"},
	},
	models.TableTags: {
		pk:         "id",
		softDelete: true,
		columns:    []string{"id", "user_id", "name", "created_at", "updated_at", "deleted_at"},
	},
	models.TableExpenseTags: {
		pk:      "id",
		columns: []string{"id", "expense_id", "tag_id", "user_id", "created_at"},
	},
}

func (t tableSpec) allowsColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

// ownedTables lists the tables whose rows belong to a user, in
// parent-before-child order. Reconciliation walks this forward when
// re-emitting log entries and backward when discarding a blank replica.
var ownedTables = []string{
	models.TableRoutes,
	models.TableCategories,
	models.TableTags,
	models.TablePanels,
	models.TableExpenses,
	models.TableExpenseTags,
}
