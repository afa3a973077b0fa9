package dashboard

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fyrsmithlabs/pharmadir/internal/directory"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

const (
	exportPrefix = "filtered_pharmacies"
	sheetName    = "Pharmacies"

	mimeCSV  = "text/csv"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ExportName returns the download file name for a filtered view.
func ExportName(date time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", exportPrefix, date.Format(directory.DateLayout), ext)
}

// WriteCSV writes rows with the display-label header.
func WriteCSV(w io.Writer, rows []nppes.DirectoryRow) error {
	return directory.EncodeDisplay(w, rows)
}

// WriteXLSX writes rows as a single-sheet workbook with the display-label
// header. Every cell is a string so identifiers keep their leading zeros.
func WriteXLSX(w io.Writer, rows []nppes.DirectoryRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := nppes.DisplayHeader()
	if err := f.SetSheetRow(sheetName, "A1", toCells(header)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, toCells(r.Values())); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func toCells(values []string) *[]any {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return &cells
}
