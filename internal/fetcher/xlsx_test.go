package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("POIs")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().Value = v
		}
	}
	path := filepath.Join(t.TempDir(), "pois.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"name", "lat", "lon"},
		{"Main Library", "35.994", "-78.899"},
		{"East Branch", "35.980", "-78.880"},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"name", "lat", "lon"}, rows[0])
	assert.Equal(t, "Main Library", rows[1][0])
	assert.Equal(t, "-78.880", rows[2][2])
}

func TestReadXLSXSheetSelection(t *testing.T) {
	path := writeWorkbook(t, [][]string{{"a"}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "POIs"})
	assert.NoError(t, err)

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 5})
	assert.Error(t, err)
}

func TestReadXLSXMissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}
