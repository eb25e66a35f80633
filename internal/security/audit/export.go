package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportJSON 將符合條件的條目導出為 JSON 陣列.
// id、type、severity、timestamp、裝置 ID 與 message 皆無損保留.
func (l *Log) ExportJSON(q Query) ([]byte, error) {
	entries := l.Find(q)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit entries: %w", err)
	}
	return data, nil
}

// csvHeader CSV 導出欄位順序.
var csvHeader = []string{
	"id", "type", "severity", "timestamp",
	"source_device", "target_device", "session_id", "message", "error",
}

// ExportCSV 將符合條件的條目導出為 CSV.
// 與 JSON 導出承載相同的記錄；details 欄位以 JSON 字串內嵌避免失真.
func (l *Log) ExportCSV(q Query) ([]byte, error) {
	entries := l.Find(q)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append(append([]string{}, csvHeader...), "details")
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal entry details: %w", err)
			}
			details = string(raw)
		}

		record := []string{
			e.ID,
			string(e.Type),
			e.Severity.String(),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.SourceDevice,
			e.TargetDevice,
			e.SessionID,
			e.Message,
			e.Error,
			details,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
