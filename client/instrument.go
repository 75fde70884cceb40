package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Instrument is one metering point as reported by the remote API.
// Meta retains the full vendor record for the metadata store.
type Instrument struct {
	ID           int64
	Name         string
	Commissioned bool
	Meta         map[string]any
}

// idKeys are tried in order; the schema varies across tenants
var idKeys = []string{
	"instrumentId", "InstrumentId", "instrumentID", "instrument_id", "id",
	"deviceId", "DeviceId", "assetId", "AssetId",
}

// nameKeys mirror the id candidate chain for the display name
var nameKeys = []string{
	"name", "instrumentName", "assetName", "displayName", "transformerAssetTag",
}

func parseInstrument(record map[string]any) (Instrument, bool) {
	id, ok := instrumentID(record)
	if !ok {
		return Instrument{}, false
	}

	inst := Instrument{
		ID:           id,
		Name:         instrumentName(record, id),
		Commissioned: true,
		Meta:         record,
	}
	for _, key := range []string{"commissioned", "isCommissioned"} {
		if flag, ok := record[key].(bool); ok {
			inst.Commissioned = flag
			break
		}
	}
	return inst, true
}

// instrumentID extracts a numeric instrument id from any of the known keys
func instrumentID(record map[string]any) (int64, bool) {
	for _, key := range idKeys {
		raw, present := record[key]
		if !present {
			continue
		}
		if id, ok := numericID(raw); ok {
			return id, true
		}
	}
	return 0, false
}

func numericID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func instrumentName(record map[string]any, id int64) string {
	for _, key := range nameKeys {
		if name, ok := record[key].(string); ok && name != "" {
			return name
		}
	}
	return fmt.Sprintf("instrument-%d", id)
}
