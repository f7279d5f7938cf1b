package estimator

import (
	"archive/zip"
	"bytes"
	"testing"
)

func TestBestMatchPrefersExact(t *testing.T) {
	candidates := []string{"vase_plate_1.gcode.3mf", "benchy.gcode.3mf"}
	if got := bestMatch(candidates, "benchy"); got != "benchy.gcode.3mf" {
		t.Fatalf("expected benchy match, got %q", got)
	}
}

func TestBestMatchEmptyCandidates(t *testing.T) {
	if got := bestMatch(nil, "anything"); got != "" {
		t.Fatalf("expected empty string for no candidates, got %q", got)
	}
}

func TestScanHeaderParsesWeightAndFilaments(t *testing.T) {
	header := "; total filament weight [g]: 42.5\n" +
		"; filament_colour = #FF0000,#00FF00\n" +
		"; filament_type = PLA,PETG\n" +
		"; filament used [g] = 30.0,12.5\n" +
		"G28\nG1 X0 Y0\n"

	est, err := scanHeader(bytes.NewBufferString(header))
	if err != nil {
		t.Fatalf("scanHeader: %v", err)
	}
	if est.TotalG != 42.5 {
		t.Fatalf("expected total 42.5, got %v", est.TotalG)
	}
	if len(est.PerFilament) != 2 {
		t.Fatalf("expected 2 per-filament entries, got %d", len(est.PerFilament))
	}
	if est.PerFilament[0].Type != "PLA" || est.PerFilament[0].TotalG != 30.0 {
		t.Fatalf("unexpected first filament entry: %+v", est.PerFilament[0])
	}
}

func TestParseArchivePicksMetadataPlateMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	other, _ := zw.Create("Metadata/thumbnail.png")
	_, _ = other.Write([]byte("not gcode"))

	plate, _ := zw.Create("Metadata/plate_1.gcode")
	_, _ = plate.Write([]byte("; total filament weight [g]: 10\nG28\n"))

	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	est, err := parseArchive(buf.Bytes(), "")
	if err != nil {
		t.Fatalf("parseArchive: %v", err)
	}
	if est.TotalG != 10 {
		t.Fatalf("expected total 10, got %v", est.TotalG)
	}
}
