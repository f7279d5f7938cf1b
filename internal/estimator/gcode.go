package estimator

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseArchive opens raw as a zip (the .gcode.3mf container format),
// locates the hinted member or the first Metadata/plate_*.gcode entry,
// and scans its leading header for filament weight fields.
func parseArchive(raw []byte, memberHint string) (Estimate, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Estimate{}, fmt.Errorf("estimator: open zip: %w", err)
	}

	member := pickMember(zr.File, memberHint)
	if member == nil {
		return Estimate{}, fmt.Errorf("estimator: no Metadata/plate_*.gcode member found")
	}

	rc, err := member.Open()
	if err != nil {
		return Estimate{}, fmt.Errorf("estimator: open member %s: %w", member.Name, err)
	}
	defer rc.Close()

	return scanHeader(rc)
}

func pickMember(files []*zip.File, hint string) *zip.File {
	var fallback *zip.File
	for _, f := range files {
		if hint != "" && f.Name == hint {
			return f
		}
		if fallback == nil && strings.HasPrefix(f.Name, "Metadata/plate_") && strings.HasSuffix(f.Name, ".gcode") {
			fallback = f
		}
	}
	return fallback
}

// scanHeader reads the leading comment header of a sliced gcode file
// looking for the total filament weight and per-filament arrays Bambu
// slicers emit as `; key = v1,v2,...` lines. Scanning stops at the
// first non-comment line — the header is always a contiguous block at
// the top of the file.
func scanHeader(r io.Reader) (Estimate, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var totalG float64
	var colors, types []string
	var weights []float64

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, ";") {
			break
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, ";"))

		switch {
		case strings.HasPrefix(line, "total filament weight [g]"):
			if v, ok := parseAfterColon(line); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					totalG = f
				}
			}
		case strings.HasPrefix(line, "filament_colour"):
			if v, ok := parseAfterEquals(line); ok {
				colors = splitCSV(v)
			}
		case strings.HasPrefix(line, "filament_type"):
			if v, ok := parseAfterEquals(line); ok {
				types = splitCSV(v)
			}
		case strings.HasPrefix(line, "filament used [g]"):
			if v, ok := parseAfterEquals(line); ok {
				for _, part := range splitCSV(v) {
					if f, err := strconv.ParseFloat(part, 64); err == nil {
						weights = append(weights, f)
					}
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Estimate{}, fmt.Errorf("estimator: scan header: %w", err)
	}

	per := make([]PerFilamentEstimate, 0, len(weights))
	for i, w := range weights {
		pf := PerFilamentEstimate{TotalG: w}
		if i < len(colors) {
			pf.ColorHex = colors[i]
		}
		if i < len(types) {
			pf.Type = types[i]
		}
		per = append(per, pf)
	}

	if totalG == 0 {
		for _, w := range weights {
			totalG += w
		}
	}

	return Estimate{
		TotalG:      totalG,
		PerFilament: per,
		Source:      "gcode_3mf",
	}, nil
}

func parseAfterColon(line string) (string, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", false
	}
	return line[idx+1:], true
}

func parseAfterEquals(line string) (string, bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", false
	}
	return line[idx+1:], true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
