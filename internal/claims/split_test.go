package claims

import "testing"

func TestComputeSplit_UserTokenTenPercent(t *testing.T) {
	// 0.9 claimed, 0.1 reserve, 10% fee on the 0.8 transferable.
	s := ComputeSplit(900_000_000, 10, false)

	if s.Transferable != 800_000_000 {
		t.Fatalf("expected transferable 800000000, got %d", s.Transferable)
	}
	if s.PlatformFee != 80_000_000 {
		t.Fatalf("expected fee 80000000, got %d", s.PlatformFee)
	}
	if s.OwnerShare != 720_000_000 {
		t.Fatalf("expected owner share 720000000, got %d", s.OwnerShare)
	}
	if s.PlatformFee+s.OwnerShare != s.Transferable {
		t.Fatal("fee + owner share must equal transferable")
	}
}

func TestComputeSplit_PlatformTokenKeepsAll(t *testing.T) {
	s := ComputeSplit(900_000_000, 10, true)

	if s.PlatformFee != 0 {
		t.Fatalf("platform-owned token must pay no fee, got %d", s.PlatformFee)
	}
	if s.OwnerShare != 800_000_000 {
		t.Fatalf("expected owner share 800000000, got %d", s.OwnerShare)
	}
}

func TestComputeSplit_GrossBelowReserve(t *testing.T) {
	s := ComputeSplit(90_000_000, 10, false)

	if s.Transferable != 0 || s.PlatformFee != 0 || s.OwnerShare != 0 {
		t.Fatalf("gross below reserve must transfer nothing, got %+v", s)
	}
}

func TestComputeSplit_GrossExactlyReserve(t *testing.T) {
	s := ComputeSplit(ReserveLamports, 10, false)
	if s.Transferable != 0 {
		t.Fatalf("gross equal to reserve must transfer nothing, got %d", s.Transferable)
	}
}

func TestComputeSplit_ZeroFeePercent(t *testing.T) {
	s := ComputeSplit(600_000_000, 0, false)
	if s.PlatformFee != 0 || s.OwnerShare != 500_000_000 {
		t.Fatalf("zero fee must give the owner everything, got %+v", s)
	}
}

func TestComputeSplit_FeeFloorsExactly(t *testing.T) {
	// Transferable 333 lamports at 10% floors to 33.
	s := ComputeSplit(ReserveLamports+333, 10, false)
	if s.PlatformFee != 33 {
		t.Fatalf("expected floored fee 33, got %d", s.PlatformFee)
	}
	if s.OwnerShare != 300 {
		t.Fatalf("expected owner share 300, got %d", s.OwnerShare)
	}
}
