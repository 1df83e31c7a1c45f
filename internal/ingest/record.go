// Package ingest loads adviser profiles from CSV or YAML exports into the
// corpus.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is one source row. CRD is kept as text because exports use
// placeholders such as "N" for firms without a number.
type Record struct {
	CRD              string   `yaml:"crd_number"`
	SECNumber        string   `yaml:"sec_number"`
	Name             string   `yaml:"firm_name"`
	City             string   `yaml:"city"`
	State            string   `yaml:"state"`
	AUM              *float64 `yaml:"aum"`
	EmployeeCount    int      `yaml:"employee_count"`
	Services         string   `yaml:"services"`
	ClientTypes      string   `yaml:"client_types"`
	PrivateFundCount int      `yaml:"private_fund_count"`
	PrivateFundAUM   float64  `yaml:"private_fund_aum"`
	Narrative        string   `yaml:"narrative"`
}

// columnAliases maps accepted CSV header names to Record fields.
var columnAliases = map[string]string{
	"crd_number":         "crd",
	"crd":                "crd",
	"id":                 "crd",
	"sec_number":         "sec",
	"firm_name":          "name",
	"legal_name":         "name",
	"name":               "name",
	"display_name":       "name",
	"city":               "city",
	"state":              "state",
	"region":             "state",
	"aum":                "aum",
	"employee_count":     "employees",
	"services":           "services",
	"client_types":       "client_types",
	"private_fund_count": "private_fund_count",
	"private_fund_aum":   "private_fund_aum",
	"narrative":          "narrative",
	"narrative_text":     "narrative",
}

// ReadFile reads records from a .csv, .yaml or .yml file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".yaml", ".yml":
		return ReadYAML(f)
	default:
		return nil, fmt.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadYAML reads a YAML sequence of records.
func ReadYAML(r io.Reader) ([]Record, error) {
	var records []Record
	if err := yaml.NewDecoder(r).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("ingest: decode yaml: %w", err)
	}
	return records, nil
}

// ReadCSV reads records from a CSV export with a header row. Unknown columns
// are ignored. Numeric cells that don't parse are treated as missing.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read csv header: %w", err)
	}
	columns := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := columnAliases[h]; ok {
			if _, seen := columns[field]; !seen {
				columns[field] = i
			}
		}
	}
	if _, ok := columns["name"]; !ok {
		return nil, errors.New("ingest: csv has no firm name column")
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: read csv line %d: %w", line, err)
		}
		cell := func(field string) string {
			i, ok := columns[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		records = append(records, Record{
			CRD:              cell("crd"),
			SECNumber:        cell("sec"),
			Name:             cell("name"),
			City:             cell("city"),
			State:            cell("state"),
			AUM:              parseAmount(cell("aum")),
			EmployeeCount:    parseCount(cell("employees")),
			Services:         cell("services"),
			ClientTypes:      cell("client_types"),
			PrivateFundCount: parseCount(cell("private_fund_count")),
			PrivateFundAUM:   valueOrZero(parseAmount(cell("private_fund_aum"))),
			Narrative:        cell("narrative"),
		})
	}
	return records, nil
}

// parseAmount accepts "1234.5", "$1,234" and similar. Anything else,
// including negatives, is missing.
func parseAmount(s string) *float64 {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parseCount(s string) int {
	v := parseAmount(s)
	if v == nil {
		return 0
	}
	return int(*v)
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// parseCRD returns the CRD number, or 0 when the cell is a placeholder.
func parseCRD(s string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
