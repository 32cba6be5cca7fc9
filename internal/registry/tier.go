package registry

// Tier is a human-readable reputation band.
type Tier string

const (
	TierNew         Tier = "new"         // 0-1999
	TierEmerging    Tier = "emerging"    // 2000-3999
	TierEstablished Tier = "established" // 4000-5999
	TierTrusted     Tier = "trusted"     // 6000-7999
	TierElite       Tier = "elite"       // 8000-10000
)

// TierFor maps a score in [MinScore, MaxScore] to its band.
func TierFor(score int64) Tier {
	switch {
	case score >= 8000:
		return TierElite
	case score >= 6000:
		return TierTrusted
	case score >= 4000:
		return TierEstablished
	case score >= 2000:
		return TierEmerging
	default:
		return TierNew
	}
}
