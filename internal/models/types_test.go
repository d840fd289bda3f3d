package models

import "testing"

func TestIsCredit(t *testing.T) {
	credits := []string{EntryDeposit, EntryTransferIn, EntryAdjustment}
	for _, kind := range credits {
		if !IsCredit(kind) {
			t.Errorf("%s must be a credit", kind)
		}
	}
	if IsCredit(EntryTransferOut) {
		t.Error("transfer_out must be a debit")
	}
}

func TestAmountString(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{2500, "25.00"},
		{50001, "500.01"},
	}
	for _, tc := range cases {
		if got := AmountString(tc.cents); got != tc.want {
			t.Errorf("AmountString(%d) = %s, want %s", tc.cents, got, tc.want)
		}
	}
}
