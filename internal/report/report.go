// Package report renders the daily summary attachments.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/window"
)

const (
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	PDFContentType  = "application/pdf"
)

// Summary is the content of one daily report
type Summary struct {
	StationID    string
	StationName  string
	GeneratedAt  time.Time
	Location     *time.Location
	Samples      []window.Sample
	Capacity     int
	Average      float64
	RateOfChange float64
	RegionalMean float64
}

// FileName builds the attachment name for the given extension
func (s Summary) FileName(ext string) string {
	return fmt.Sprintf("aq-daily-%s-%s.%s", s.StationID, s.local(s.GeneratedAt).Format("2006-01-02"), ext)
}

func (s Summary) local(t time.Time) time.Time {
	if s.Location == nil {
		return t.UTC()
	}
	return t.In(s.Location)
}

func (s Summary) peak() (window.Sample, bool) {
	var peak window.Sample
	found := false
	for _, sm := range s.Samples {
		if !found || sm.AQI > peak.AQI {
			peak = sm
			found = true
		}
	}
	return peak, found
}

// BuildDailyPDF renders a one-page PDF summary with the sample table
func BuildDailyPDF(s Summary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Daily Air Quality Summary")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Station: %s (%s)", s.StationName, s.StationID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", s.local(s.GeneratedAt).Format("2006-01-02 15:04 MST")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Samples: %d of %d", len(s.Samples), s.Capacity))
	pdf.Ln(5)
	avg := int(s.Average + 0.5)
	pdf.Cell(0, 6, fmt.Sprintf("Average AQI: %.1f (%s)", s.Average, aqi.Category(avg)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Trend: %+.1f AQI/hour", s.RateOfChange))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Regional mean AQI: %.2f", s.RegionalMean))
	pdf.Ln(5)
	if peak, ok := s.peak(); ok {
		pdf.Cell(0, 6, fmt.Sprintf("Peak AQI: %d at %s", peak.AQI, s.local(peak.At).Format("15:04")))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Time", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "AQI", "1", 0, "C", false, 0, "")
	pdf.CellFormat(70, 6, "Category", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, sm := range s.Samples {
		pdf.CellFormat(50, 6, s.local(sm.At).Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", sm.AQI), "1", 0, "R", false, 0, "")
		pdf.CellFormat(70, 6, aqi.Category(sm.AQI), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildDailyXLSX renders a workbook with a summary sheet and a samples sheet
func BuildDailyXLSX(s Summary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	samplesSheet := "samples"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(samplesSheet); err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}

	_ = f.SetCellValue(summarySheet, "A1", "Daily Air Quality Summary")
	_ = f.SetCellValue(summarySheet, "A3", "Station")
	_ = f.SetCellValue(summarySheet, "B3", s.StationID)
	_ = f.SetCellValue(summarySheet, "A4", "Name")
	_ = f.SetCellValue(summarySheet, "B4", s.StationName)
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", s.local(s.GeneratedAt).Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Samples")
	_ = f.SetCellValue(summarySheet, "B6", len(s.Samples))
	_ = f.SetCellValue(summarySheet, "A7", "Capacity")
	_ = f.SetCellValue(summarySheet, "B7", s.Capacity)
	_ = f.SetCellValue(summarySheet, "A8", "Average AQI")
	_ = f.SetCellValue(summarySheet, "B8", s.Average)
	_ = f.SetCellValue(summarySheet, "A9", "Trend (AQI/hour)")
	_ = f.SetCellValue(summarySheet, "B9", s.RateOfChange)
	_ = f.SetCellValue(summarySheet, "A10", "Regional mean AQI")
	_ = f.SetCellValue(summarySheet, "B10", s.RegionalMean)

	_ = f.SetCellValue(samplesSheet, "A1", "Time")
	_ = f.SetCellValue(samplesSheet, "B1", "AQI")
	_ = f.SetCellValue(samplesSheet, "C1", "Category")
	for i, sm := range s.Samples {
		row := i + 2
		_ = f.SetCellValue(samplesSheet, fmt.Sprintf("A%d", row), s.local(sm.At).Format("2006-01-02 15:04:05"))
		_ = f.SetCellValue(samplesSheet, fmt.Sprintf("B%d", row), sm.AQI)
		_ = f.SetCellValue(samplesSheet, fmt.Sprintf("C%d", row), aqi.Category(sm.AQI))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
