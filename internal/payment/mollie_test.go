package payment

import "testing"

func TestMandatePaymentAcceptedStatuses(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{"paid", true},
		{"authorized", true},
		{"pending", true},
		{"open", false},
		{"failed", false},
		{"canceled", false},
		{"expired", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := mandatePaymentAccepted(tc.status); got != tc.want {
			t.Errorf("mandatePaymentAccepted(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
