// Package audit exports the persisted tables to a spreadsheet for bookkeeping.
package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// TableSource provides the tables to export.
type TableSource interface {
	TableNames(ctx context.Context) ([]string, error)
	TableData(ctx context.Context, table string) (columns []string, rows [][]any, err error)
}

// Exporter writes one sheet per table.
type Exporter struct {
	source TableSource
	logger zerolog.Logger
}

func NewExporter(source TableSource, logger *zerolog.Logger) *Exporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{source: source, logger: logger.With().Str("component", "audit").Logger()}
}

// Filename returns the download name for an export taken at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("lough-hyne-%s.xlsx", t.Format("2006-01-02"))
}

// Export writes the workbook to w.
func (e *Exporter) Export(ctx context.Context, w io.Writer) error {
	tables, err := e.source.TableNames(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	total := 0
	for i, table := range tables {
		sheet := sheetName(table)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}

		columns, rows, err := e.source.TableData(ctx, table)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		if err := writeRow(f, sheet, 1, toAny(columns)); err != nil {
			return err
		}
		last, _ := excelize.CoordinatesToCellName(len(columns), 1)
		_ = f.SetCellStyle(sheet, "A1", last, header)

		for r, row := range rows {
			if err := writeRow(f, sheet, r+2, row); err != nil {
				return fmt.Errorf("write %s row %d: %w", table, r+1, err)
			}
		}
		total += len(rows)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	e.logger.Info().Int("tables", len(tables)).Int("rows", total).Msg("audit export written")
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// sheetName truncates to the 31 character limit of spreadsheet sheet names.
func sheetName(name string) string {
	if len(name) > 31 {
		return name[:31]
	}
	return name
}
