package saga

import "testing"

func TestStatus_Reached(t *testing.T) {
	cases := []struct {
		status Status
		target Status
		want   bool
	}{
		{StatusInitiated, StatusWalletReserved, false},
		{StatusWalletReserved, StatusWalletReserved, true},
		{StatusMerchantCredited, StatusWalletReserved, true},
		{StatusMerchantCredited, StatusLedgerUpdated, false},
		{StatusFeeCollected, StatusWalletReserved, true},
		{StatusCompleted, StatusFeeCollected, true},
		{StatusFailed, StatusWalletReserved, false},
		{StatusWalletReserved, StatusCompleted, false}, // 终态不在前向序里
	}
	for _, tc := range cases {
		if got := tc.status.Reached(tc.target); got != tc.want {
			t.Fatalf("%s.Reached(%s) = %v, want %v", tc.status, tc.target, got, tc.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusInitiated, StatusWalletReserved, StatusMerchantCredited,
		StatusLedgerUpdated, StatusNotificationSent, StatusFeeCollected} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("COMPLETED and FAILED are terminal")
	}
}

func TestStatus_Valid(t *testing.T) {
	if !StatusInitiated.Valid() || !StatusFailed.Valid() {
		t.Fatal("known statuses must be valid")
	}
	if Status("BOGUS").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}

func TestForwardRank_CoversAllForwardStatuses(t *testing.T) {
	ranks := map[int]bool{}
	for s, r := range forwardRank {
		if s.Terminal() {
			t.Fatalf("terminal status %s must not be ranked", s)
		}
		if ranks[r] {
			t.Fatalf("duplicate rank %d", r)
		}
		ranks[r] = true
	}
	if len(forwardRank) != 6 {
		t.Fatalf("expected 6 forward statuses, got %d", len(forwardRank))
	}
}
