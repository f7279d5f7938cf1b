package model

// AmsColorMapping pins a canonical hex color to a stable human name.
// Immutable once created: a hex cannot be re-bound to a different name.
type AmsColorMapping struct {
	ID        string
	ColorHex  string // canonical '#RRGGBB', unique
	ColorName string
}
