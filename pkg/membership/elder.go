package membership

import "github.com/pixperk/dlockd/pkg/types"

// Elder picks the oldest live member, the one with the lowest join sequence
// ties cannot happen with a single sequencer but are broken by id anyway
func Elder(members []types.Member) (types.Member, bool) {
	var elder types.Member
	for _, m := range members {
		if elder.IsZero() || m.Seq < elder.Seq || (m.Seq == elder.Seq && m.ID < elder.ID) {
			elder = m
		}
	}
	return elder, !elder.IsZero()
}
