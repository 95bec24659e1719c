// Package bundle builds the downloadable evidence archive for a
// fulfilled compliance request: a canonical machine-readable record, a
// flattened tabular export, a human-readable report and a metadata
// descriptor, zipped together with a content checksum.
//
// Construction is deterministic: identical findings and generation
// timestamp produce byte-identical archives.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// Archive is the built bundle, ready for upload.
type Archive struct {
	Bytes []byte
	Size  int64
	// Checksum is "sha256:<hex>" over Bytes, computed before upload so
	// any later consumer can integrity-check the stored object.
	Checksum string
}

// record is the full machine-readable rendering written as record.json.
type record struct {
	RequestInfo recordRequestInfo  `json:"request_info"`
	Findings    *contracts.Findings `json:"findings"`
	ExportInfo  recordExportInfo   `json:"export_info"`
}

type recordRequestInfo struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	SubjectEmail string `json:"subject_email"`
	SubjectName  string `json:"subject_name,omitempty"`
	CreatedAt    string `json:"created_at"`
	DueDate      string `json:"due_date"`
}

type recordExportInfo struct {
	GeneratedAt string `json:"generated_at"`
	Format      string `json:"format"`
	Version     string `json:"version"`
}

// metadata is the archive descriptor written as metadata.json.
type metadata struct {
	RequestID    string   `json:"request_id"`
	RequestKind  string   `json:"request_kind"`
	SubjectEmail string   `json:"subject_email"`
	GeneratedAt  string   `json:"generated_at"`
	Sources      []string `json:"sources"`
	TotalRecords int      `json:"total_records"`
	Files        []string `json:"files"`
}

var archiveFiles = []string{"record.json", "data.csv", "report.html", "metadata.json"}

// Build assembles the archive. findings are sorted in place so repeated
// packaging of the same discovery output yields an equivalent bundle.
func Build(req *contracts.ComplianceRequest, findings *contracts.Findings, generatedAt time.Time) (*Archive, error) {
	findings.Sort()
	generatedAt = generatedAt.UTC()

	recordJSON, err := buildRecord(req, findings, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("build record: %w", err)
	}
	csvData, err := buildCSV(findings)
	if err != nil {
		return nil, fmt.Errorf("build csv: %w", err)
	}
	report, err := buildReport(req, findings, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}
	meta, err := buildMetadata(req, findings, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("build metadata: %w", err)
	}

	contents := map[string][]byte{
		"record.json":   recordJSON,
		"data.csv":      csvData,
		"report.html":   report,
		"metadata.json": meta,
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range archiveFiles {
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: generatedAt,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		if _, err := w.Write(contents[name]); err != nil {
			return nil, fmt.Errorf("zip write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Archive{
		Bytes:    buf.Bytes(),
		Size:     int64(buf.Len()),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// buildRecord renders record.json in RFC 8785 canonical form so field
// ordering can never differ between runs.
func buildRecord(req *contracts.ComplianceRequest, findings *contracts.Findings, generatedAt time.Time) ([]byte, error) {
	rec := record{
		RequestInfo: recordRequestInfo{
			ID:           req.ID,
			Kind:         string(req.Kind),
			Status:       string(req.Status),
			SubjectEmail: req.SubjectEmail,
			SubjectName:  req.SubjectName,
			CreatedAt:    req.CreatedAt.UTC().Format(time.RFC3339),
			DueDate:      req.DueDate.UTC().Format(time.RFC3339),
		},
		Findings: findings,
		ExportInfo: recordExportInfo{
			GeneratedAt: generatedAt.Format(time.RFC3339),
			Format:      "json",
			Version:     "1.0",
		},
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// buildCSV renders the flattened (source, field, value) table. Sources
// come pre-sorted; record fields are iterated in lexical order.
func buildCSV(findings *contracts.Findings) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"source", "field", "value"}); err != nil {
		return nil, err
	}
	for _, src := range findings.Sources {
		for _, rec := range src.Records {
			for _, field := range rec.SortedFields() {
				if err := w.Write([]string{src.Source, field, rec[field]}); err != nil {
					return nil, err
				}
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Data Subject Request Report</title></head>
<body>
<h1>Data Subject Request Report</h1>
<p><strong>Request ID:</strong> {{.RequestID}}</p>
<p><strong>Subject:</strong> {{.SubjectEmail}}</p>
<p><strong>Kind:</strong> {{.Kind}}</p>
<p><strong>Generated:</strong> {{.GeneratedAt}}</p>
<h2>Findings Summary</h2>
<table border="1">
<tr><th>Source</th><th>Records</th></tr>
{{range .Sources}}<tr><td>{{.Name}}</td><td>{{.Records}}</td></tr>
{{end}}</table>
<p>Total records: {{.TotalRecords}}</p>
{{if .Partial}}<p><em>Note: one or more sources could not be fully enumerated; this report reflects partial findings.</em></p>
{{end}}</body>
</html>
`))

func buildReport(req *contracts.ComplianceRequest, findings *contracts.Findings, generatedAt time.Time) ([]byte, error) {
	type sourceRow struct {
		Name    string
		Records int
	}
	data := struct {
		RequestID    string
		SubjectEmail string
		Kind         string
		GeneratedAt  string
		Sources      []sourceRow
		TotalRecords int
		Partial      bool
	}{
		RequestID:    req.ID,
		SubjectEmail: req.SubjectEmail,
		Kind:         string(req.Kind),
		GeneratedAt:  generatedAt.Format(time.RFC3339),
		TotalRecords: findings.TotalRecords(),
		Partial:      findings.Partial,
	}
	for _, src := range findings.Sources {
		data.Sources = append(data.Sources, sourceRow{Name: src.Source, Records: len(src.Records)})
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildMetadata(req *contracts.ComplianceRequest, findings *contracts.Findings, generatedAt time.Time) ([]byte, error) {
	meta := metadata{
		RequestID:    req.ID,
		RequestKind:  string(req.Kind),
		SubjectEmail: req.SubjectEmail,
		GeneratedAt:  generatedAt.Format(time.RFC3339),
		Sources:      make([]string, 0, len(findings.Sources)),
		TotalRecords: findings.TotalRecords(),
		Files:        archiveFiles,
	}
	for _, src := range findings.Sources {
		meta.Sources = append(meta.Sources, src.Source)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
