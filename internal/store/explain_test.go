package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestExplain(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "unique violation by sqlstate",
			err:         &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"},
			wantCode:    "DB001",
			wantMessage: "A row duplicates an existing key",
		},
		{
			name:        "foreign key violation wrapped in StoreError",
			err:         &StoreError{Op: "insert", Table: "work_orders", Line: 3, Err: &pgconn.PgError{Code: "23503"}},
			wantCode:    "DB003",
			wantMessage: "A row references a record that does not exist",
		},
		{
			name:        "invalid text representation",
			err:         fmt.Errorf("insert: %w", &pgconn.PgError{Code: "22P02"}),
			wantCode:    "VAL002",
			wantMessage: "A value has the wrong format for its column",
		},
		{
			name:        "connection refused by message",
			err:         errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"),
			wantCode:    "DB004",
			wantMessage: "Unable to connect to database",
		},
		{
			name:        "context canceled",
			err:         &StoreError{Op: "insert", Err: context.Canceled},
			wantCode:    "UPL004",
			wantMessage: "The load was cancelled",
		},
		{
			name:        "unknown sqlstate falls back to patterns",
			err:         &pgconn.PgError{Code: "XX000", Message: "i/o timeout"},
			wantCode:    "DB006",
			wantMessage: "Operation timed out",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("CONNECTION RESET by peer"),
			wantCode:    "DB005",
			wantMessage: "Database connection was interrupted",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Explain(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Explain() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Explain() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestExplanation_String(t *testing.T) {
	got := Explain(&pgconn.PgError{Code: "42P01"}).String()

	want := "A target table does not exist (Code: TBL001). Apply the schema before loading"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if (Explanation{}).String() != "" {
		t.Error("zero Explanation should format as empty")
	}
}

func TestIsKnown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not known", nil, false},
		{"sqlstate is known", &pgconn.PgError{Code: "23502"}, true},
		{"unknown error is not known", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKnown(tt.err); got != tt.want {
				t.Errorf("IsKnown() = %v, want %v", got, tt.want)
			}
		})
	}
}
