package nmath

// Color is an RGBA color with float components in [0, 1].
type Color struct {
	R, G, B, A float32
}
