package powerstats

// Typical energy content of alkaline cells.
const (
	DefaultAAReferenceWh  = 2.5
	DefaultAAAReferenceWh = 1.1
)

// BatteryEquivalent converts an energy total into how many AA and AAA cells
// would hold that much energy. A count is 0 when its reference is not positive.
func BatteryEquivalent(wh, aaWh, aaaWh float32) (aa, aaa float32) {
	if aaWh > 0 {
		aa = wh / aaWh
	}
	if aaaWh > 0 {
		aaa = wh / aaaWh
	}
	return aa, aaa
}
