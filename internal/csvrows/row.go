package csvrows

import "github.com/jackc/pgx/v5/pgtype"

// Row is an ordered mapping from column name to value. All rows of a dataset
// share the header slice they were parsed against.
type Row struct {
	columns []string
	values  []pgtype.Text
	line    int
}

// Columns returns the column names in source order.
func (r Row) Columns() []string { return r.columns }

// Values returns the values in column order.
func (r Row) Values() []pgtype.Text { return r.values }

// Line is the 1-based source line the row started on, or 0 if unknown.
func (r Row) Line() int { return r.line }

// Args returns the values as query arguments in column order.
func (r Row) Args() []any {
	args := make([]any, len(r.values))
	for i, v := range r.values {
		args[i] = v
	}
	return args
}

// SameColumns reports whether r has exactly the given columns in order.
func (r Row) SameColumns(columns []string) bool {
	if len(r.columns) != len(columns) {
		return false
	}
	for i := range columns {
		if r.columns[i] != columns[i] {
			return false
		}
	}
	return true
}
