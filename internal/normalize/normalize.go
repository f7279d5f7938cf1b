// Package normalize turns one raw MQTT telemetry payload into the
// compact model.NormalizedPayload the rest of the engine operates on.
// Every function here is pure: no I/O, no clock reads beyond what the
// caller supplies, so it tests entirely as table-driven unit cases.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
)

// traySentinelNone is Bambu firmware's sentinel for "no active tray".
const traySentinelNone = 255

// Payload extracts model.NormalizedPayload from the `print` sub-object
// of a raw telemetry frame, aligning and flattening both AMS wire
// layouts described in the component design.
func Payload(printBlock map[string]any) model.NormalizedPayload {
	p := model.NormalizedPayload{
		GcodeState:     stringField(printBlock, "gcode_state"),
		Progress:       intField(printBlock, "mc_percent", "progress"),
		RemainingTime:  intField(printBlock, "mc_remaining_time"),
		GcodeFile:      stringField(printBlock, "gcode_file"),
		GcodeStartTime: stringField(printBlock, "gcode_start_time"),
		TaskID:         stringField(printBlock, "task_id"),
		SubtaskID:      stringField(printBlock, "subtask_id"),
		SubtaskName:    stringField(printBlock, "subtask_name"),
	}

	if trayNow, ok := coerceInt(printBlock["tray_now"]); ok && trayNow != traySentinelNone {
		p.TrayNow = &trayNow
	}

	p.AMSTrays = flattenTrays(printBlock)
	p.Filament = alignFilament(printBlock)

	p.GcodeStateSig = sigOf(p.GcodeState)
	p.ProgressSig = sigOf(p.Progress)
	p.AMSSig = sigOf(p.AMSTrays)
	p.FilamentSig = sigOf(p.Filament)
	p.EstimateSig = sigOf(hasAnyEstimate(p.Filament))

	return p
}

// flattenTrays merges the `ams.tray[]` (single-AMS-unit) and
// `ams.ams[].tray[]` (multi-unit) wire layouts into one flat list.
func flattenTrays(printBlock map[string]any) []model.AMSTray {
	ams, _ := printBlock["ams"].(map[string]any)
	if ams == nil {
		return nil
	}

	var raw []any
	if trays, ok := ams["tray"].([]any); ok {
		raw = append(raw, trays...)
	}
	if units, ok := ams["ams"].([]any); ok {
		for _, u := range units {
			unit, _ := u.(map[string]any)
			if trays, ok := unit["tray"].([]any); ok {
				raw = append(raw, trays...)
			}
		}
	}

	out := make([]model.AMSTray, 0, len(raw))
	for _, item := range raw {
		t, _ := item.(map[string]any)
		if t == nil {
			continue
		}
		id, _ := coerceInt(t["id"])
		rawHex := stringField(t, "color")
		remainVal, _ := coerceFloat(t["remain"])

		tray := model.AMSTray{
			ID:          id,
			Type:        stringField(t, "tray_type", "type"),
			ColorHex:    ColorHex(rawHex),
			ColorHexRaw: rawHex,
			Remain:      remainVal,
			RemainUnit:  RemainUnit(remainVal),
			TagUID:      stringField(t, "tag_uid"),
			TrayUUID:    stringField(t, "tray_uuid"),
			TrayIDName:  stringField(t, "tray_id_name"),
		}
		tray.IsOfficial = tray.TagUID != "" || tray.TrayUUID != "" || tray.TrayIDName != ""
		out = append(out, tray)
	}
	return out
}

// alignFilament reads the `print.filament[]` estimate/usage array,
// aligning entries by index as the wire format does.
func alignFilament(printBlock map[string]any) []model.FilamentEntry {
	raw, ok := printBlock["filament"].([]any)
	if !ok {
		return nil
	}
	out := make([]model.FilamentEntry, 0, len(raw))
	for _, item := range raw {
		f, _ := item.(map[string]any)
		if f == nil {
			continue
		}
		entry := model.FilamentEntry{
			Type:     stringField(f, "type"),
			ColorHex: ColorHex(stringField(f, "color")),
			TotalG:   floatPtr(f["total_g"]),
			UsedG:    floatPtr(f["used_g"]),
			TotalMM:  floatPtr(f["total_mm"]),
			UsedMM:   floatPtr(f["used_mm"]),
		}
		if trayID, ok := coerceInt(f["tray_id"]); ok {
			entry.TrayID = &trayID
		}
		out = append(out, entry)
	}
	return out
}

func hasAnyEstimate(filament []model.FilamentEntry) bool {
	for _, f := range filament {
		if f.TotalG != nil || f.UsedG != nil {
			return true
		}
	}
	return false
}

func sigOf(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := coerceInt(m[k]); ok {
			return v
		}
	}
	return 0
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func floatPtr(v any) *float64 {
	if f, ok := coerceFloat(v); ok {
		return &f
	}
	return nil
}
