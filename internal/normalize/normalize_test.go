package normalize_test

import (
	"testing"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/normalize"
)

func TestColorHex(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"FF00FF", "#FF00FF"},
		{"#ff00ff", "#FF00FF"},
		{"FF00FFFF", "#FF00FF"}, // alpha-last FF, strip last byte
		{"FF00FF00", "#FF00FF"}, // alpha-last 00, strip last byte
		{"FFAABBCC", "#AABBCC"}, // alpha-first FF, strip first byte
		{"00AABBCC", "#AABBCC"}, // alpha-first 00, strip first byte
	}
	for _, c := range cases {
		if got := normalize.ColorHex(c.raw); got != c.want {
			t.Errorf("ColorHex(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestRemainUnit(t *testing.T) {
	cases := []struct {
		remain float64
		want   model.RemainUnit
	}{
		{0.5, model.RemainUnitFraction},
		{1, model.RemainUnitFraction},
		{50, model.RemainUnitPercent},
		{100, model.RemainUnitPercent},
		{250, model.RemainUnitGrams},
		{-1, model.RemainUnitUnknown},
	}
	for _, c := range cases {
		if got := normalize.RemainUnit(c.remain); got != c.want {
			t.Errorf("RemainUnit(%v) = %v, want %v", c.remain, got, c.want)
		}
	}
}

func TestPayloadFlattensBothAMSLayouts(t *testing.T) {
	singleUnit := map[string]any{
		"gcode_state": "RUNNING",
		"tray_now":    float64(0),
		"ams": map[string]any{
			"tray": []any{
				map[string]any{"id": float64(0), "tray_type": "PLA", "color": "FFFFFFFF", "remain": float64(80), "tag_uid": "ABC123"},
			},
		},
	}
	p := normalize.Payload(singleUnit)
	if len(p.AMSTrays) != 1 {
		t.Fatalf("expected 1 tray, got %d", len(p.AMSTrays))
	}
	if p.AMSTrays[0].ColorHex != "#FFFFFF" {
		t.Errorf("expected canonical white, got %q", p.AMSTrays[0].ColorHex)
	}
	if !p.AMSTrays[0].IsOfficial {
		t.Error("expected tray with tag_uid to be flagged official")
	}

	multiUnit := map[string]any{
		"gcode_state": "RUNNING",
		"ams": map[string]any{
			"ams": []any{
				map[string]any{"tray": []any{
					map[string]any{"id": float64(4), "tray_type": "PETG", "color": "112233", "remain": float64(0.4)},
				}},
			},
		},
	}
	p2 := normalize.Payload(multiUnit)
	if len(p2.AMSTrays) != 1 || p2.AMSTrays[0].ID != 4 {
		t.Fatalf("expected multi-unit tray 4 to flatten, got %+v", p2.AMSTrays)
	}
	if p2.AMSTrays[0].IsOfficial {
		t.Error("expected tray without identity fields to not be official")
	}
}

func TestPayloadTrayNowSentinel(t *testing.T) {
	p := normalize.Payload(map[string]any{"tray_now": float64(255)})
	if p.TrayNow != nil {
		t.Errorf("expected sentinel 255 to normalize to nil, got %v", *p.TrayNow)
	}

	p2 := normalize.Payload(map[string]any{"tray_now": float64(2)})
	if p2.TrayNow == nil || *p2.TrayNow != 2 {
		t.Errorf("expected tray_now 2 to survive, got %v", p2.TrayNow)
	}
}

func TestEventTypeTransitions(t *testing.T) {
	cases := []struct {
		prev, curr string
		want       model.EventType
	}{
		{"IDLE", "RUNNING", model.EventPrintStarted},
		{"PREPARE", "RUNNING", model.EventPrintStarted},
		{"RUNNING", "FINISH", model.EventPrintEnded},
		{"RUNNING", "IDLE", model.EventPrintEnded},
		{"RUNNING", "FAILED", model.EventPrintFailed},
		{"IDLE", "STOPPED", model.EventPrintFailed},
		{"RUNNING", "RUNNING", model.EventPrintProgress},
		{"IDLE", "PREPARE", model.EventStateChanged},
	}
	for _, c := range cases {
		if got := normalize.EventType(c.prev, c.curr); got != c.want {
			t.Errorf("EventType(%q, %q) = %v, want %v", c.prev, c.curr, got, c.want)
		}
	}
}

func TestIsProgressDuplicate(t *testing.T) {
	base := normalize.Payload(map[string]any{"gcode_state": "RUNNING"})
	same := normalize.Payload(map[string]any{"gcode_state": "RUNNING"})
	changed := normalize.Payload(map[string]any{"gcode_state": "RUNNING", "mc_percent": float64(10)})

	if !normalize.IsProgressDuplicate(model.EventPrintProgress, base, same) {
		t.Error("expected identical signatures to be flagged duplicate")
	}
	if normalize.IsProgressDuplicate(model.EventPrintProgress, base, changed) {
		t.Error("expected progress change to break dedupe")
	}
	if normalize.IsProgressDuplicate(model.EventPrintStarted, base, same) {
		t.Error("expected non-progress event types to never dedupe")
	}
}
