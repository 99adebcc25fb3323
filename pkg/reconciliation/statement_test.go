package reconciliation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatement(t *testing.T) {
	csv := "\ufeffMonto, numero_documento ,FECHA\n" +
		"100.00, A-1 ,2024-03-05\n" +
		"\n" +
		"50.00,B-2,2024-03-06\n"

	rows, err := ParseStatement(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []StatementRow{
		{Date: "2024-03-05", DocumentNumber: "A-1"},
		{Date: "2024-03-06", DocumentNumber: "B-2"},
	}, rows)
}

func TestParseStatement_Rejects(t *testing.T) {
	var big strings.Builder
	big.WriteString("fecha,numero_documento\n")
	for i := 0; i <= MaxStatementRows; i++ {
		fmt.Fprintf(&big, "2024-03-05,D-%d\n", i)
	}

	cases := map[string]struct {
		input string
		want  string
	}{
		"empty input":      {"", "statement is empty"},
		"missing document": {"fecha,monto\n2024-03-05,1\n", "missing required columns: numero_documento"},
		"missing both":     {"monto\n1\n", "missing required columns: fecha, numero_documento"},
		"header only":      {"fecha,numero_documento\n", "statement has no rows"},
		"short row":        {"monto,fecha,numero_documento\n1,2024-03-05\n", "row 2 has 2 columns"},
		"too many rows":    {big.String(), "more than 100 rows"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rows, err := ParseStatement(strings.NewReader(tc.input))
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.ErrorContains(t, err, tc.want)
			assert.Nil(t, rows)
		})
	}
}

func TestParseStatement_ExactlyMaxRows(t *testing.T) {
	var b strings.Builder
	b.WriteString("fecha,numero_documento\n")
	for i := 0; i < MaxStatementRows; i++ {
		fmt.Fprintf(&b, "2024-03-05,D-%d\n", i)
	}
	rows, err := ParseStatement(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, rows, MaxStatementRows)
}
