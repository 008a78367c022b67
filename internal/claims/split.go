package claims

import "github.com/shopspring/decimal"

// ReserveLamports stays behind in the dev wallet to cover transfer fees
// (0.1 native units).
const ReserveLamports uint64 = 100_000_000

// Split is the settlement of one claimed reward
type Split struct {
	Gross        uint64
	Transferable uint64
	PlatformFee  uint64
	OwnerShare   uint64
}

// ComputeSplit divides a claimed gross amount between the platform and the
// owner. Platform-owned tokens keep everything above the reserve.
func ComputeSplit(grossLamports uint64, feePercent float64, platformOwned bool) Split {
	s := Split{Gross: grossLamports}
	if grossLamports <= ReserveLamports {
		return s
	}
	s.Transferable = grossLamports - ReserveLamports

	if platformOwned || feePercent <= 0 {
		s.OwnerShare = s.Transferable
		return s
	}

	fee := decimal.NewFromUint64(s.Transferable).
		Mul(decimal.NewFromFloat(feePercent)).
		Div(decimal.NewFromInt(100)).
		Floor()
	s.PlatformFee = fee.BigInt().Uint64()
	if s.PlatformFee > s.Transferable {
		s.PlatformFee = s.Transferable
	}
	s.OwnerShare = s.Transferable - s.PlatformFee
	return s
}
