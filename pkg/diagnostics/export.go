package diagnostics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/sagakit/sagakit/pkg/saga"
)

// Format selects the export encoding of a diagnostic report.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatCSV  Format = "csv"
)

// Export encodes a report in the requested format. CSV carries the
// execution trace with one row per step; JSON and XML carry the full
// report.
func Export(report *Report, format Format) ([]byte, error) {
	if report == nil {
		return nil, saga.NewValidationError("report", "must not be nil")
	}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(report, "", "  ")
	case FormatXML:
		return exportXML(report)
	case FormatCSV:
		return exportCSV(report)
	default:
		return nil, saga.NewValidationError("format", fmt.Sprintf("unsupported format %q", format))
	}
}

// ExportBundle encodes a debug bundle as indented JSON. Bundles hold
// map-valued statistics, so JSON is the only supported encoding.
func ExportBundle(bundle *Bundle) ([]byte, error) {
	if bundle == nil {
		return nil, saga.NewValidationError("bundle", "must not be nil")
	}
	return json.MarshalIndent(bundle, "", "  ")
}

type xmlReport struct {
	XMLName xml.Name `xml:"diagnosticReport"`
	*Report
}

func exportXML(report *Report) ([]byte, error) {
	data, err := xml.MarshalIndent(xmlReport{Report: report}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// exportCSV writes one summary row followed by the trace rows.
func exportCSV(report *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"sagaId", "sagaType", "stepName", "status", "startedAt", "completedAt", "durationMs", "retryCount", "compensable"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range report.Trace {
		row := []string{
			report.SagaID,
			report.SagaType,
			e.StepName,
			string(e.Status),
			formatTime(e.StartedAt),
			formatTime(e.CompletedAt),
			strconv.FormatInt(e.Duration.Milliseconds(), 10),
			strconv.Itoa(e.RetryCount),
			strconv.FormatBool(e.Compensable),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
