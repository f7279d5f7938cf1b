package normalize

import "github.com/yangtao121/Bambu-consumables-management/internal/model"

// RemainUnit tags a tray's raw `remain` reading by the unit it was
// most likely reported in, so settlement code never compares values
// across units. Firmware reports remain as a fraction in [0,1], a
// percentage in (1,100], or (rarely) grams above 100.
func RemainUnit(remain float64) model.RemainUnit {
	switch {
	case remain >= 0 && remain <= 1:
		return model.RemainUnitFraction
	case remain > 1 && remain <= 100:
		return model.RemainUnitPercent
	case remain > 100:
		return model.RemainUnitGrams
	default:
		return model.RemainUnitUnknown
	}
}
