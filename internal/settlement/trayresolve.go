package settlement

import (
	"context"

	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// resolveTrayMeta builds the tray metadata record for an observed AMS
// tray, resolving a hex-only color against AmsColorMapping when the
// payload didn't carry a human color name directly.
func resolveTrayMeta(ctx context.Context, colorMaps store.ColorMappingRepository, tray model.AMSTray) model.TrayMeta {
	meta := model.TrayMeta{
		Material:    tray.Type,
		ColorHex:    tray.ColorHex,
		ColorHexRaw: tray.ColorHexRaw,
		IsOfficial:  tray.IsOfficial,
	}
	if tray.ColorHex != "" {
		if m, err := colorMaps.Get(ctx, tray.ColorHex); err == nil {
			meta.Color = m.ColorName
		}
	}
	return meta
}

// resolveTrayStock implements the official/third-party stock
// resolution heuristic. It returns the unique matching stock's id and
// true, or ("", false) when the tray cannot be auto-resolved (zero or
// more than one candidate) — callers record it in pending_trays.
func resolveTrayStock(ctx context.Context, stocks store.StockRepository, meta model.TrayMeta) (string, bool) {
	if meta.Material == "" || meta.Color == "" {
		return "", false
	}
	all, err := stocks.List(ctx)
	if err != nil {
		return "", false
	}

	var matches []model.MaterialStock
	for _, s := range all {
		if s.IsArchived || s.Material != meta.Material || s.Color != meta.Color {
			continue
		}
		isOfficialStock := s.Brand == model.OfficialBrand
		if meta.IsOfficial != isOfficialStock {
			continue
		}
		matches = append(matches, s)
	}
	if len(matches) != 1 {
		return "", false
	}
	return matches[0].ID, true
}
