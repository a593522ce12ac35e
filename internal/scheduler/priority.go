package scheduler

// Scheduling priorities live on a [0, 1] scale, which is what DefaultWindow
// is tuned for. These helpers map the integral schemes used on the wire onto
// that scale.

// FromSPDY maps a SPDY/3 priority class (0 highest, 7 lowest) to a priority.
// Classes above 7 are clamped.
func FromSPDY(class uint8) float64 {
	if class > 7 {
		class = 7
	}
	return float64(7-class) / 7
}

// FromWeight maps an HTTP/2 weight as encoded on the wire (0..255, meaning
// 1..256) to a priority.
func FromWeight(weight uint8) float64 {
	return float64(int(weight)+1) / 256
}
