package session

import (
	"errors"
	"testing"
)

func TestNextFreeAddress(t *testing.T) {
	tests := []struct {
		name    string
		addrs   []uint16
		want    uint16
		wantErr bool
	}{
		{name: "empty pool", addrs: nil, want: 1},
		{name: "fills first gap", addrs: []uint16{1, 2, 4}, want: 3},
		{name: "no gap appends", addrs: []uint16{1, 2, 3}, want: 4},
		{name: "leading gap", addrs: []uint16{5}, want: 1},
		{name: "skips bridge address", addrs: seq(1, 0xEF), want: 0xF1},
		{name: "exhausted", addrs: allAddresses(), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextFreeAddress(tc.addrs)
			if tc.wantErr {
				if !errors.Is(err, ErrNoFreeAddress) {
					t.Fatalf("want ErrNoFreeAddress, got %v (addr %d)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("nextFreeAddress: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

// seq returns [from, to] inclusive.
func seq(from, to uint16) []uint16 {
	var out []uint16
	for a := from; a <= to; a++ {
		out = append(out, a)
	}
	return out
}

// allAddresses occupies every assignable address.
func allAddresses() []uint16 {
	var out []uint16
	for a := uint16(1); a <= MaxDeviceAddress; a++ {
		if a == BridgeAddress {
			continue
		}
		out = append(out, a)
	}
	return out
}
