package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Explanation is operator-facing guidance for a failed load.
type Explanation struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Stable reference code
}

// String formats the explanation as "Message (Code: XXX). Action".
func (e Explanation) String() string {
	if e.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", e.Message, e.Code, e.Action)
}

// sqlStateExplanations maps PostgreSQL SQLSTATE codes to explanations.
var sqlStateExplanations = map[string]Explanation{
	"23505": {
		Message: "A row duplicates an existing key",
		Action:  "Remove duplicate ids from the source file",
		Code:    "DB001",
	},
	"23503": {
		Message: "A row references a record that does not exist",
		Action:  "Check that the referenced id is present in the parent file",
		Code:    "DB003",
	},
	"23502": {
		Message: "A required column is empty",
		Action:  "Fill in the column or make it nullable",
		Code:    "DB008",
	},
	"23514": {
		Message: "A row fails a check constraint",
		Action:  "Review the constraint named in the error detail",
		Code:    "DB009",
	},
	"22P02": {
		Message: "A value has the wrong format for its column",
		Action:  "Check numeric, boolean and uuid columns for stray text",
		Code:    "VAL002",
	},
	"22007": {
		Message: "A date or time value is invalid",
		Action:  "Use ISO 8601 dates such as 2024-01-15",
		Code:    "VAL001",
	},
	"22008": {
		Message: "A date or time value is out of range",
		Action:  "Use ISO 8601 dates such as 2024-01-15",
		Code:    "VAL001",
	},
	"22001": {
		Message: "A value is too long for its column",
		Action:  "Shorten the value or widen the column",
		Code:    "VAL007",
	},
	"42P01": {
		Message: "A target table does not exist",
		Action:  "Apply the schema before loading",
		Code:    "TBL001",
	},
	"42703": {
		Message: "A source column does not exist in the table",
		Action:  "Make the CSV header match the table's column names",
		Code:    "VAL005",
	},
	"40P01": {
		Message: "Database was busy with conflicting operations",
		Action:  "Make sure no other process is writing these tables and retry",
		Code:    "DB007",
	},
	"57014": {
		Message: "The load was cancelled",
		Action:  "Run the loader again when ready",
		Code:    "UPL004",
	},
	"28P01": {
		Message: "Database rejected the credentials",
		Action:  "Check DB_USER and DB_PASSWORD",
		Code:    "DB010",
	},
	"3D000": {
		Message: "Database does not exist",
		Action:  "Check DB_NAME",
		Code:    "DB011",
	},
}

type errorPattern struct {
	pattern string
	exp     Explanation
}

// errorPatterns are matched case-insensitively against errors without a
// SQLSTATE. The first match wins, so specific patterns come first.
var errorPatterns = []errorPattern{
	{
		pattern: "connection refused",
		exp: Explanation{
			Message: "Unable to connect to database",
			Action:  "Check DB_HOST and DB_PORT and that the server is running",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		exp: Explanation{
			Message: "Database connection was interrupted",
			Action:  "Run the loader again",
			Code:    "DB005",
		},
	},
	{
		pattern: "context canceled",
		exp: Explanation{
			Message: "The load was cancelled",
			Action:  "Run the loader again when ready",
			Code:    "UPL004",
		},
	},
	{
		pattern: "deadline exceeded",
		exp: Explanation{
			Message: "Operation timed out",
			Action:  "Raise LOADER_CONNECT_TIMEOUT or check the network",
			Code:    "DB006",
		},
	},
	{
		pattern: "timeout",
		exp: Explanation{
			Message: "Operation timed out",
			Action:  "Raise LOADER_CONNECT_TIMEOUT or check the network",
			Code:    "DB006",
		},
	},
}

// defaultExplanation is returned when nothing matches (ERR000).
var defaultExplanation = Explanation{
	Message: "An unexpected error occurred",
	Action:  "See the error detail in the log",
	Code:    "ERR000",
}

// Explain converts a load failure into operator guidance. A *pgconn.PgError
// anywhere in the chain is matched by SQLSTATE; other errors by message.
func Explain(err error) Explanation {
	if err == nil {
		return Explanation{}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if exp, ok := sqlStateExplanations[pgErr.Code]; ok {
			return exp
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.exp
		}
	}

	return defaultExplanation
}

// IsKnown reports whether Explain has specific guidance for err.
func IsKnown(err error) bool {
	if err == nil {
		return false
	}
	return Explain(err).Code != defaultExplanation.Code
}
