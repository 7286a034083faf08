package runner

import "testing"

func TestAgentFromSessionID(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "chan_u1_alice", want: "alice"},
		{in: "chan_+15551234_bob", want: "bob"},
		{in: "chan_user-with-underscore_carol", want: "carol"},
		// Agent ids may carry underscores; senders are sanitised so the
		// first separator always closes the sender segment.
		{in: "chan_u1_ops_lead", want: "ops_lead"},
		{in: "pulse_alice_1700000000000", wantErr: true},
		{in: "chan_", wantErr: true},
		{in: "chan_onlysender", wantErr: true},
		{in: "garbage", wantErr: true},
	}
	for _, tc := range cases {
		got, err := agentFromSessionID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}
