package broker

import "fmt"

// IndexParams returns the strike step and option lot size for a
// supported index.
func IndexParams(index string) (step float64, lotSize int, err error) {
	switch index {
	case "NIFTY":
		return 50, 75, nil
	case "BANKNIFTY":
		return 100, 35, nil
	case "FINNIFTY":
		return 50, 65, nil
	case "MIDCPNIFTY":
		return 25, 120, nil
	default:
		return 0, 0, fmt.Errorf("broker: unsupported index %q", index)
	}
}

// NearestStrike rounds a spot value to the closest multiple of step.
func NearestStrike(spot, step float64) float64 {
	n := spot / step
	whole := float64(int64(n))
	if n-whole >= 0.5 {
		whole++
	}
	return whole * step
}
