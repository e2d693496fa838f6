// Package report exports analyzed transcripts to a spreadsheet for
// operators who review analysis quality outside the pipeline.
package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

var header = []string{
	"File", "Caller", "Call date", "Phone",
	"Sentiment", "Summary", "Call quality", "Model", "Analyzed at",
}

// summaryFields is the slice of the analysis payload shown in the
// report. Chunked payloads carry none of these at the top level and
// render as chunk counts instead.
type summaryFields struct {
	Sentiment   string `json:"sentiment"`
	Summary     string `json:"summary"`
	CallQuality string `json:"call_quality"`
	TotalChunks int    `json:"total_chunks"`
}

// Write renders the rows into an xlsx file at path.
func Write(path string, rows []store.AnalyzedRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for i, row := range rows {
		var s summaryFields
		_ = json.Unmarshal(row.Analysis, &s)
		if s.TotalChunks > 0 {
			s.Summary = fmt.Sprintf("analyzed in %d chunks", s.TotalChunks)
		}

		values := []interface{}{
			row.FileName,
			callerName(row),
			row.CallDate.Format("2006-01-02"),
			row.PhoneNumber,
			s.Sentiment,
			s.Summary,
			s.CallQuality,
			row.ModelUsed,
			row.AnalysisDate.Format("2006-01-02 15:04:05"),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return fmt.Errorf("row cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("write row %d: %w", i+1, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func callerName(r store.AnalyzedRow) string {
	parts := []string{r.LastName, r.FirstName}
	if r.MiddleName != "" {
		parts = append(parts, r.MiddleName)
	}
	return strings.Join(parts, " ")
}
