// Package normalize turns raw vendor telemetry payloads into canonical
// per-phase records. The vendor schema drifts across tenants and firmware
// versions, so extraction works through ordered candidate strategies rather
// than a fixed struct decode: rows that match no strategy are counted and
// skipped, never fatal.
package normalize

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Carmigna/npg-substation360-pipeline/errors"
	"github.com/Carmigna/npg-substation360-pipeline/metric"
	"github.com/Carmigna/npg-substation360-pipeline/pkg/timestamp"
)

// Measurement identifies the canonical quantity a record carries
type Measurement string

const (
	MeasurementVoltage Measurement = "voltage"
	MeasurementCurrent Measurement = "current"
)

// DefaultUnit returns the unit recorded when the payload names none
func (m Measurement) DefaultUnit() string {
	switch m {
	case MeasurementVoltage:
		return "V"
	case MeasurementCurrent:
		return "A"
	default:
		return ""
	}
}

// Record is one canonical per-phase reading
type Record struct {
	InstrumentID int64
	TSUTC        time.Time
	Phase        string
	Value        float64
	Unit         string
	Measurement  Measurement
}

// Result reports one normalization pass over a payload batch
type Result struct {
	Records []Record
	Skipped int
}

// Options tune extraction behavior
type Options struct {
	// PreserveLabels keeps vendor phase labels (L1/L2/L3) instead of
	// mapping them to the canonical A/B/C set
	PreserveLabels bool
}

// Normalizer extracts canonical records from raw vendor rows
type Normalizer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a normalizer. logger and metrics may be nil.
func New(opts Options, logger *slog.Logger, metrics *metric.Metrics) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{opts: opts, logger: logger, metrics: metrics}
}

// tsKeys are tried in order when locating the reading timestamp
var tsKeys = []string{
	"timestamp", "timeUtc", "timestampUtc", "timeUTC", "ts", "time",
	"endTimeUtc", "startTimeUtc", "periodEndUtc", "periodStartUtc",
}

// valueKeys are tried in order when locating an explicit reading value
var valueKeys = []string{"value", "mean", "avg", "average", "meanValue", "numericData"}

// phaseLabels maps vendor phase spellings to the canonical set
var phaseLabels = map[string]string{
	"a": "A", "b": "B", "c": "C",
	"l1": "A", "l2": "B", "l3": "C",
	"r": "A", "s": "B", "t": "C",
	"total": "TOTAL", "sum": "TOTAL", "avg": "TOTAL", "average": "TOTAL",
}

// labelKeys carry a phase label alongside a single value field
var labelKeys = []string{"subjectAssetName", "phase", "phaseName", "assetName", "siteAssetName"}

var perPhaseValuePattern = regexp.MustCompile(`^(?:voltage|current|value|mean|avg)?(a|b|c|l1|l2|l3)$`)

// Normalize flattens wrapped payloads and extracts canonical records.
// fallbackInstrumentID is used when a row carries no instrument id of its
// own, as happens when the fetch targeted a single instrument.
func (n *Normalizer) Normalize(
	measurement Measurement,
	payloads []map[string]any,
	fallbackInstrumentID int64,
) (Result, error) {
	if measurement != MeasurementVoltage && measurement != MeasurementCurrent {
		return Result{}, errors.WrapInvalid(errors.ErrInvalidPayload, "Normalizer", "Normalize",
			fmt.Sprintf("unknown measurement %q", measurement))
	}

	rows := flatten(payloads)

	result := Result{Records: make([]Record, 0, len(rows))}
	for _, row := range rows {
		records, ok := n.extract(measurement, row, fallbackInstrumentID)
		if !ok {
			result.Skipped++
			continue
		}
		result.Records = append(result.Records, records...)
	}

	if result.Skipped > 0 {
		n.logger.Warn("skipped unrecognized telemetry rows",
			"measurement", string(measurement),
			"skipped", result.Skipped,
			"extracted", len(result.Records))
	}
	if n.metrics != nil {
		endpoint := string(measurement)
		n.metrics.RecordsNormalized.WithLabelValues(endpoint).Add(float64(len(result.Records)))
		n.metrics.RecordsSkipped.WithLabelValues(endpoint).Add(float64(result.Skipped))
	}
	return result, nil
}

// flatten unwraps rows whose values hide under a nested envelope, carrying
// the outer instrument id down to the inner rows when they lack one
func flatten(payloads []map[string]any) []map[string]any {
	rows := make([]map[string]any, 0, len(payloads))
	for _, payload := range payloads {
		nested := nestedRows(payload)
		if nested == nil {
			rows = append(rows, payload)
			continue
		}

		outerID, hasOuterID := instrumentIDOf(payload)
		for _, inner := range nested {
			if hasOuterID {
				if _, ok := instrumentIDOf(inner); !ok {
					inner = withInstrumentID(inner, outerID)
				}
			}
			rows = append(rows, inner)
		}
	}
	return rows
}

func nestedRows(payload map[string]any) []map[string]any {
	for _, key := range []string{"items", "data", "results", "values", "series"} {
		list, ok := payload[key].([]any)
		if !ok {
			continue
		}
		rows := make([]map[string]any, 0, len(list))
		for _, entry := range list {
			if row, ok := entry.(map[string]any); ok {
				rows = append(rows, row)
			}
		}
		return rows
	}
	return nil
}

func withInstrumentID(row map[string]any, id int64) map[string]any {
	copied := make(map[string]any, len(row)+1)
	for k, v := range row {
		copied[k] = v
	}
	copied["instrumentId"] = id
	return copied
}

// extract applies the strategies in priority order:
//  1. explicit phase + explicit value fields
//  2. a phase label key alongside a single value field
//  3. per-phase value keys scanned heuristically
//  4. a bare value with no phase information, recorded as TOTAL
func (n *Normalizer) extract(measurement Measurement, row map[string]any, fallbackID int64) ([]Record, bool) {
	ts, ok := rowTimestamp(row)
	if !ok {
		return nil, false
	}

	id, ok := instrumentIDOf(row)
	if !ok {
		if fallbackID == 0 {
			return nil, false
		}
		id = fallbackID
	}

	unit := rowUnit(row, measurement)
	base := Record{InstrumentID: id, TSUTC: ts, Unit: unit, Measurement: measurement}

	if phase, value, ok := n.labeledReading(row); ok {
		record := base
		record.Phase = phase
		record.Value = value
		return []Record{record}, true
	}

	if records := n.perPhaseReadings(base, row); len(records) > 0 {
		return records, true
	}

	if value, ok := rowValue(row); ok {
		record := base
		record.Phase = "TOTAL"
		record.Value = value
		return []Record{record}, true
	}

	return nil, false
}

// labeledReading handles rows that carry one value plus a phase label field
func (n *Normalizer) labeledReading(row map[string]any) (string, float64, bool) {
	for _, key := range labelKeys {
		raw, ok := row[key].(string)
		if !ok || raw == "" {
			continue
		}
		phase, ok := n.canonicalPhase(raw)
		if !ok {
			continue
		}
		value, ok := rowValue(row)
		if !ok {
			return "", 0, false
		}
		return phase, value, true
	}
	return "", 0, false
}

// perPhaseReadings handles rows that spread one value per phase across keys
// such as "a"/"b"/"c", "l1"/"l2"/"l3", or "voltageA"
func (n *Normalizer) perPhaseReadings(base Record, row map[string]any) []Record {
	var records []Record
	for key, raw := range row {
		match := perPhaseValuePattern.FindStringSubmatch(strings.ToLower(key))
		if match == nil {
			continue
		}
		value, ok := asFloat(raw)
		if !ok {
			continue
		}
		phase, ok := n.canonicalPhase(match[1])
		if !ok {
			continue
		}
		record := base
		record.Phase = phase
		record.Value = value
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Phase < records[j].Phase })
	return records
}

func (n *Normalizer) canonicalPhase(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	canonical, ok := phaseLabels[strings.ToLower(trimmed)]
	if !ok {
		return "", false
	}
	if n.opts.PreserveLabels {
		return strings.ToUpper(trimmed), true
	}
	return canonical, true
}

func rowTimestamp(row map[string]any) (time.Time, bool) {
	for _, key := range tsKeys {
		raw, present := row[key]
		if !present {
			continue
		}
		if ts, ok := timestamp.ParseUTC(raw); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func rowValue(row map[string]any) (float64, bool) {
	for _, key := range valueKeys {
		raw, present := row[key]
		if !present {
			continue
		}
		if value, ok := asFloat(raw); ok {
			return value, true
		}
	}
	return 0, false
}

func rowUnit(row map[string]any, measurement Measurement) string {
	for _, key := range []string{"unit", "units", "uom"} {
		if unit, ok := row[key].(string); ok && unit != "" {
			return unit
		}
	}
	return measurement.DefaultUnit()
}

// InstrumentID extracts the instrument identifier a response row carries,
// trying the same candidate keys normalization uses. Callers landing raw
// rows use it to tag each row before the payload is interpreted.
func InstrumentID(row map[string]any) (int64, bool) {
	return instrumentIDOf(row)
}

func instrumentIDOf(row map[string]any) (int64, bool) {
	for _, key := range []string{"instrumentId", "id", "instrumentID", "instrument_id"} {
		raw, present := row[key]
		if !present {
			continue
		}
		if id, ok := asInt64(raw); ok {
			return id, true
		}
	}
	return 0, false
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		var id int64
		_, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &id)
		return id, err == nil
	default:
		return 0, false
	}
}
