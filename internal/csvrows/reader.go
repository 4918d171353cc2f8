// Package csvrows parses delimited source files into ordered rows keyed by the
// file's header.
//
// Empty fields become SQL NULL: every value is a pgtype.Text and an empty raw
// field is stored with Valid=false. Non-empty values are passed through
// untouched. A row whose field count differs from the header fails the read;
// nothing is skipped or repaired.
package csvrows

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MissingSourceError is returned when a declared source file does not exist.
type MissingSourceError struct {
	Path string
}

func (e *MissingSourceError) Error() string {
	return "Missing expected CSV file: " + e.Path
}

// MalformedRowError is returned when a record cannot be aligned to the header.
type MalformedRowError struct {
	File string
	Line int
	Want int // header width
	Got  int // fields in the offending record
	Err  error
}

func (e *MalformedRowError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("%s:%d: expected %d fields, got %d", e.File, e.Line, e.Want, e.Got)
	}
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *MalformedRowError) Unwrap() error { return e.Err }

// ErrInvalidUTF8 is the cause of a MalformedRowError for a field that is not
// valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

// Dataset is the parsed content of one source file.
type Dataset struct {
	Name   string
	Header []string
	Rows   []Row
}

// CheckSource reports a *MissingSourceError when path does not exist.
func CheckSource(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &MissingSourceError{Path: path}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}

// ReadFile parses the file at path. It fails with *MissingSourceError when the
// file does not exist; no partial result is returned on any error.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingSourceError{Path: path}
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return Read(f, path)
}

// Read parses CSV from r. name identifies the source in errors.
//
// The first record is the header. A leading byte order mark is dropped and
// every other byte is kept as is. A field that is not valid UTF-8 fails the
// read with ErrInvalidUTF8. An empty input or a header with no data lines
// yields zero rows.
func Read(r io.Reader, name string) (*Dataset, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(transform.Nop))

	cr := csv.NewReader(decoded)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = 0 // width of the header

	ds := &Dataset{Name: name}

	header, err := cr.Read()
	if err == io.EOF {
		return ds, nil
	}
	if err != nil {
		return nil, parseError(name, err, 0, 0)
	}
	if err := checkUTF8(cr, name, header); err != nil {
		return nil, err
	}
	ds.Header = header

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseError(name, err, len(header), len(record))
		}
		if err := checkUTF8(cr, name, record); err != nil {
			return nil, err
		}

		line, _ := cr.FieldPos(0)
		ds.Rows = append(ds.Rows, newRow(header, record, line))
	}

	return ds, nil
}

// checkUTF8 reports the first field of the last record read by cr that is not
// valid UTF-8.
func checkUTF8(cr *csv.Reader, name string, record []string) error {
	for i, field := range record {
		if !utf8.ValidString(field) {
			line, _ := cr.FieldPos(i)
			return &MalformedRowError{File: name, Line: line, Err: ErrInvalidUTF8}
		}
	}
	return nil
}

func parseError(name string, err error, want, got int) error {
	var pe *csv.ParseError
	if !errors.As(err, &pe) {
		return fmt.Errorf("read %s: %w", name, err)
	}

	merr := &MalformedRowError{File: name, Line: pe.StartLine, Err: pe.Err}
	if errors.Is(pe.Err, csv.ErrFieldCount) {
		merr.Want = want
		merr.Got = got
	}
	return merr
}

// newRow aligns record to header, normalizing empty fields to NULL.
func newRow(header, record []string, line int) Row {
	values := make([]pgtype.Text, len(record))
	for i, raw := range record {
		values[i] = Normalize(raw)
	}
	return Row{columns: header, values: values, line: line}
}

// Normalize converts a raw field to a text value; the empty string is NULL.
func Normalize(raw string) pgtype.Text {
	if raw == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: raw, Valid: true}
}
