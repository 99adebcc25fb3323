package reconciliation

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/mcclellann/loanrecon/pkg/models"
)

// MaxStatementRows caps the size of one statement upload.
const MaxStatementRows = 100

// Statement column headers as exported by the bank.
const (
	ColumnDate           = "fecha"
	ColumnDocumentNumber = "numero_documento"
)

// DateLayout is the only accepted statement date format.
const DateLayout = "2006-01-02"

// StatementRow is one line of a bank statement.
type StatementRow struct {
	Date           string `json:"fecha" validate:"required,datetime=2006-01-02"`
	DocumentNumber string `json:"numero_documento" validate:"required,max=64"`
}

type statementBatch struct {
	Rows []StatementRow `json:"rows" validate:"required,min=1,max=100,dive"`
}

// ParseStatement reads a CSV statement. The header row must contain the date and
// document number columns in any order; extra columns are ignored.
func ParseStatement(r io.Reader) ([]StatementRow, error) {
	const op = "parse statement"
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, models.Validationf(op, "statement is empty")
	}
	if err != nil {
		return nil, models.Validationf(op, "malformed header: %v", err)
	}
	dateCol, docCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case ColumnDate:
			dateCol = i
		case ColumnDocumentNumber:
			docCol = i
		}
	}
	var missing []string
	if dateCol < 0 {
		missing = append(missing, ColumnDate)
	}
	if docCol < 0 {
		missing = append(missing, ColumnDocumentNumber)
	}
	if len(missing) > 0 {
		return nil, models.Validationf(op, "missing required columns: %s", strings.Join(missing, ", "))
	}

	var rows []StatementRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.Validationf(op, "malformed row %d: %v", line, err)
		}
		if isBlank(record) {
			continue
		}
		if len(record) <= dateCol || len(record) <= docCol {
			return nil, models.Validationf(op, "row %d has %d columns, expected at least %d", line, len(record), max(dateCol, docCol)+1)
		}
		if len(rows) == MaxStatementRows {
			return nil, models.Validationf(op, "statement has more than %d rows", MaxStatementRows)
		}
		rows = append(rows, StatementRow{
			Date:           strings.TrimSpace(record[dateCol]),
			DocumentNumber: strings.TrimSpace(record[docCol]),
		})
	}
	if len(rows) == 0 {
		return nil, models.Validationf(op, "statement has no rows")
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
