package identity

import "testing"

func TestConfiguredWins(t *testing.T) {
	if got := ChipID(77); got != 77 {
		t.Fatalf("ChipID(77) = %d", got)
	}
}

func TestDerivedNeverZero(t *testing.T) {
	for i := 0; i < 4; i++ {
		if got := ChipID(0); got == 0 {
			t.Fatalf("derived chip id is zero")
		}
	}
}

func TestHash32Deterministic(t *testing.T) {
	a := hash32([]byte{0xde, 0xad, 0xbe, 0xef})
	b := hash32([]byte{0xde, 0xad, 0xbe, 0xef})
	if a != b {
		t.Fatalf("hash not deterministic: %d vs %d", a, b)
	}
	if a == hash32([]byte{0x01}) {
		t.Fatalf("distinct inputs collided in test vector")
	}
}
