package csvrows

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestRead_NullNormalization(t *testing.T) {
	ds, err := Read(strings.NewReader("id,name,level\n1,Welding,\n2,Wiring,3\n"), "skills.csv")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got := strings.Join(ds.Header, ","); got != "id,name,level" {
		t.Errorf("Header = %q, want %q", got, "id,name,level")
	}
	if len(ds.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(ds.Rows))
	}

	level, ok := get(ds.Rows[0], "level")
	if !ok {
		t.Fatal("row 1 missing level column")
	}
	if level.Valid {
		t.Errorf("row 1 level = %+v, want NULL", level)
	}

	level, _ = get(ds.Rows[1], "level")
	if !level.Valid || level.String != "3" {
		t.Errorf("row 2 level = %+v, want \"3\"", level)
	}

	name, _ := get(ds.Rows[0], "name")
	if name != (pgtype.Text{String: "Welding", Valid: true}) {
		t.Errorf("row 1 name = %+v, want Welding", name)
	}
}

func TestRead_NonEmptyValuesUntouched(t *testing.T) {
	input := "id,note\n1,  padded  \n2,\"quoted, with comma\"\n3,0\n"
	ds, err := Read(strings.NewReader(input), "notes.csv")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	want := []string{"  padded  ", "quoted, with comma", "0"}
	for i, w := range want {
		v, _ := get(ds.Rows[i], "note")
		if !v.Valid || v.String != w {
			t.Errorf("row %d note = %+v, want %q", i+1, v, w)
		}
	}
}

func TestRead_RowCountAndLines(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantRows  int
		wantLines []int
	}{
		{"empty input", "", 0, nil},
		{"header only", "id,name\n", 0, nil},
		{"header only no newline", "id,name", 0, nil},
		{"two rows", "id,name\n1,a\n2,b\n", 2, []int{2, 3}},
		{"no trailing newline", "id,name\n1,a\n2,b", 2, []int{2, 3}},
		{"blank lines skipped", "id,name\n1,a\n\n2,b\n", 2, []int{2, 4}},
		{"crlf", "id,name\r\n1,a\r\n", 1, []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Read(strings.NewReader(tt.input), "t.csv")
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if len(ds.Rows) != tt.wantRows {
				t.Fatalf("got %d rows, want %d", len(ds.Rows), tt.wantRows)
			}
			for i, line := range tt.wantLines {
				if ds.Rows[i].Line() != line {
					t.Errorf("row %d line = %d, want %d", i, ds.Rows[i].Line(), line)
				}
			}
		})
	}
}

func TestRead_MalformedRow(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
		wantGot  int
	}{
		{"too few fields", "id,name,level\n1,a,b\n2,b\n", 3, 2},
		{"too many fields", "id,name\n1,a,extra\n", 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Read(strings.NewReader(tt.input), "bad.csv")
			if err == nil {
				t.Fatal("Read() expected error for malformed row")
			}
			if ds != nil {
				t.Error("Read() must not return a partial dataset")
			}

			var merr *MalformedRowError
			if !errors.As(err, &merr) {
				t.Fatalf("error type = %T, want *MalformedRowError", err)
			}
			if merr.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d", merr.Line, tt.wantLine)
			}
			if merr.Got != tt.wantGot {
				t.Errorf("Got = %d, want %d", merr.Got, tt.wantGot)
			}
			if !strings.Contains(err.Error(), "bad.csv") {
				t.Errorf("error should name the file: %v", err)
			}
		})
	}
}

func TestRead_BOMStripped(t *testing.T) {
	input := "\xEF\xBB\xBFid,name\n1,caf\u00e9\n"
	ds, err := Read(strings.NewReader(input), "bom.csv")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if ds.Header[0] != "id" {
		t.Errorf("Header[0] = %q, want BOM stripped", ds.Header[0])
	}
	name, _ := get(ds.Rows[0], "name")
	if name.String != "caf\u00e9" {
		t.Errorf("name = %q, want %q", name.String, "caf\u00e9")
	}
}

func TestRead_InvalidUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
	}{
		{"data row without BOM", "id,name\n1,ok\n2,caf\xe9\n", 3},
		{"data row with BOM", "\xEF\xBB\xBFid,name\n1,ok\n2,caf\xe9\n", 3},
		{"header", "id,n\xffme\n1,a\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Read(strings.NewReader(tt.input), "bad.csv")
			if ds != nil {
				t.Error("Read() must not return a partial dataset")
			}

			var merr *MalformedRowError
			if !errors.As(err, &merr) {
				t.Fatalf("error = %v, want *MalformedRowError", err)
			}
			if !errors.Is(err, ErrInvalidUTF8) {
				t.Errorf("error = %v, want ErrInvalidUTF8", err)
			}
			if merr.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d", merr.Line, tt.wantLine)
			}
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persons.csv")

	ds, err := ReadFile(path)
	if ds != nil {
		t.Error("ReadFile() must not return a partial dataset")
	}

	var missing *MissingSourceError
	if !errors.As(err, &missing) {
		t.Fatalf("error type = %T, want *MissingSourceError", err)
	}
	if want := "Missing expected CSV file: " + path; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if err := CheckSource(path); !errors.As(err, &missing) {
		t.Errorf("CheckSource() = %v, want *MissingSourceError", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.csv")
	if err := os.WriteFile(path, []byte("id,serial\n1,A-1\n2,\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CheckSource(path); err != nil {
		t.Fatalf("CheckSource() error = %v", err)
	}

	ds, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if ds.Name != path {
		t.Errorf("Name = %q, want %q", ds.Name, path)
	}
	if len(ds.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(ds.Rows))
	}
	if v, _ := get(ds.Rows[1], "serial"); v.Valid {
		t.Errorf("row 2 serial = %+v, want NULL", v)
	}
}

func TestRow(t *testing.T) {
	row := newRow([]string{"id", "name"}, []string{"7", ""}, 4)

	if row.Line() != 4 {
		t.Errorf("Line() = %d, want 4", row.Line())
	}
	if !row.SameColumns([]string{"id", "name"}) {
		t.Error("SameColumns() should match identical header")
	}
	if row.SameColumns([]string{"name", "id"}) {
		t.Error("SameColumns() must respect order")
	}
	if row.SameColumns([]string{"id"}) {
		t.Error("SameColumns() must respect width")
	}

	args := row.Args()
	if args[0] != (pgtype.Text{String: "7", Valid: true}) {
		t.Errorf("Args()[0] = %v", args[0])
	}
	if args[1] != (pgtype.Text{}) {
		t.Errorf("Args()[1] = %v, want NULL", args[1])
	}
}

// get returns the value of column in r.
func get(r Row, column string) (pgtype.Text, bool) {
	for i, c := range r.Columns() {
		if c == column {
			return r.Values()[i], true
		}
	}
	return pgtype.Text{}, false
}
