package allocation

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet     = "Summary"
	resourcesSheet   = "Resources"
	assignmentsSheet = "Assignments"
)

// BuildUtilizationWorkbook renders a snapshot as an xlsx workbook with a
// per-type summary, the unit list and the assignment history.
func BuildUtilizationWorkbook(st *State) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{resourcesSheet, assignmentsSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	pool, err := NewPool(st.Resources)
	if err != nil {
		return nil, err
	}
	summary := [][]interface{}{}
	for _, s := range pool.Summary() {
		pct := 0.0
		if s.Total > 0 {
			pct = float64(s.Occupied) / float64(s.Total) * 100
		}
		summary = append(summary, []interface{}{string(s.Type), s.Total, s.Available, s.Occupied, fmt.Sprintf("%.1f%%", pct)})
	}
	if err := writeTable(f, summarySheet, headerStyle,
		[]string{"Type", "Total", "Available", "Occupied", "Utilization"},
		[]float64{15, 10, 12, 12, 14}, summary); err != nil {
		return nil, err
	}

	units := make([][]interface{}, 0, len(st.Resources))
	for _, u := range st.Resources {
		holder := ""
		if u.OccupiedBy != nil {
			holder = *u.OccupiedBy
		}
		units = append(units, []interface{}{u.ID, u.Label, string(u.Type), string(u.Status), holder})
	}
	if err := writeTable(f, resourcesSheet, headerStyle,
		[]string{"ID", "Label", "Type", "Status", "Occupied By"},
		[]float64{16, 18, 14, 12, 24}, units); err != nil {
		return nil, err
	}

	rows := make([][]interface{}, 0, len(st.Assignments))
	for _, a := range st.Assignments {
		discharged := ""
		if a.DischargedAt != nil {
			discharged = a.DischargedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []interface{}{
			a.ID.String(), a.RequestID.String(), a.PatientID,
			fmt.Sprint(a.ResourceIDs), a.AssignedAt.UTC().Format(time.RFC3339), discharged,
		})
	}
	if err := writeTable(f, assignmentsSheet, headerStyle,
		[]string{"Assignment", "Request", "Patient", "Resources", "Assigned At", "Discharged At"},
		[]float64{38, 38, 20, 40, 22, 22}, rows); err != nil {
		return nil, err
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTable(f *excelize.File, sheet string, headerStyle int, headers []string, widths []float64, rows [][]interface{}) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		if col < len(widths) {
			name, err := excelize.ColumnNumberToName(col + 1)
			if err != nil {
				return fmt.Errorf("failed to convert column number: %w", err)
			}
			if err := f.SetColWidth(sheet, name, name, widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}
