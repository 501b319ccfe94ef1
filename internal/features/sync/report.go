package sync

import (
	"context"
	"fmt"
	"time"

	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/jobqueue"

	"github.com/xuri/excelize/v2"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// JobReport renders a job, its items, history and conflicts as an xlsx
// workbook.
func (s *SyncServiceImpl) JobReport(ctx context.Context, id string) ([]byte, string, error) {
	job, err := s.Queue.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	history, err := s.Queue.History(ctx, id)
	if err != nil {
		return nil, "", err
	}
	conflicts, err := s.Conflicts.List(ctx, conflict.Filter{JobID: id})
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	jobRows := [][]interface{}{
		{"ID", job.ID.Hex()},
		{"Connection", job.ConnectionID},
		{"Mapping", job.MappingID},
		{"Operation", string(job.OperationType)},
		{"Direction", string(job.Direction)},
		{"Status", string(job.Status)},
		{"Progress", job.Progress},
		{"Total items", job.TotalItems},
		{"Processed items", job.ProcessedItems},
		{"Failed items", job.FailedItems},
		{"Retry count", fmt.Sprintf("%d / %d", job.RetryCount, job.MaxRetries)},
		{"Error", job.Error},
		{"Created by", job.CreatedBy},
		{"Created at", formatTime(&job.CreatedAt)},
		{"Started at", formatTime(job.StartedAt)},
		{"Completed at", formatTime(job.CompletedAt)},
	}
	if err := writeSheet(f, "Job", []string{"Field", "Value"}, jobRows, headerStyle); err != nil {
		return nil, "", err
	}

	failures := make(map[string]string)
	for _, h := range history {
		if h.Action != jobqueue.ActionItem {
			continue
		}
		item, _ := h.Details["item"].(string)
		msg, _ := h.Details["error"].(string)
		failures[item] = msg
	}
	var itemRows [][]interface{}
	for _, localID := range job.LocalIDs {
		itemRows = append(itemRows, []interface{}{"local", localID, itemOutcome(job, failures, localID), failures[localID]})
	}
	for _, key := range job.RemoteKeys {
		itemRows = append(itemRows, []interface{}{"remote", key, itemOutcome(job, failures, key), failures[key]})
	}
	if err := writeSheet(f, "Items", []string{"Side", "Item", "Outcome", "Error"}, itemRows, headerStyle); err != nil {
		return nil, "", err
	}

	var historyRows [][]interface{}
	for _, h := range history {
		historyRows = append(historyRows, []interface{}{
			h.Timestamp.Format(reportTimeLayout), h.Action, h.PerformedBy, fmt.Sprintf("%v", h.Details),
		})
	}
	if err := writeSheet(f, "History", []string{"Timestamp", "Action", "Performed by", "Details"}, historyRows, headerStyle); err != nil {
		return nil, "", err
	}

	var conflictRows [][]interface{}
	for _, c := range conflicts {
		conflictRows = append(conflictRows, []interface{}{
			c.ID.Hex(), c.LocalID, c.RemoteKey, c.Field, string(c.ConflictType),
			cellValue(c.BaseValue), cellValue(c.LocalValue), cellValue(c.RemoteValue),
			string(c.Status), string(c.ResolutionStrategy), cellValue(c.ResolvedValue), c.ResolvedBy,
		})
	}
	conflictHeader := []string{"ID", "Local ID", "Remote key", "Field", "Type", "Base", "Local", "Remote", "Status", "Strategy", "Resolved value", "Resolved by"}
	if err := writeSheet(f, "Conflicts", conflictHeader, conflictRows, headerStyle); err != nil {
		return nil, "", err
	}

	// NewFile starts with Sheet1
	_ = f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex("Job"); err == nil {
		f.SetActiveSheet(index)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", err
	}
	return buffer.Bytes(), fmt.Sprintf("sync-job-%s.xlsx", id), nil
}

func writeSheet(f *excelize.File, name string, header []string, rows [][]interface{}, headerStyle int) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}

	for i, col := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(name, cell, col)
		f.SetCellStyle(name, cell, cell, headerStyle)
	}
	for rowIdx, row := range rows {
		for colIdx, val := range row {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(name, cell, val)
		}
	}
	for i := range header {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(name, col, col, 18)
	}
	return nil
}

func itemOutcome(job *jobqueue.Job, failures map[string]string, item string) string {
	if _, failed := failures[item]; failed {
		return "failed"
	}
	if job.Status == jobqueue.StatusCompleted {
		return "processed"
	}
	return string(job.Status)
}

func cellValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(reportTimeLayout)
}
