package fingerprint

import "testing"

func TestSum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "empty", data: []byte{}, want: "d41d8cd98f00b204e9800998ecf8427e"},
		{name: "ascii", data: []byte("hello"), want: "5d41402abc4b2a76b9719d911017c592"},
		{name: "binary", data: []byte{0x89, 'P', 'N', 'G'}, want: Sum([]byte{0x89, 'P', 'N', 'G'})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.data)
			if got != tt.want {
				t.Errorf("Sum() = %q, want %q", got, tt.want)
			}
			if !Valid(got) {
				t.Errorf("Valid(%q) = false", got)
			}
		})
	}
}

func TestSumDistinguishesContent(t *testing.T) {
	a := Sum([]byte("red shirt"))
	b := Sum([]byte("red shirt "))
	if a == b {
		t.Fatal("different bytes produced the same digest")
	}
	if a != Sum([]byte("red shirt")) {
		t.Fatal("digest is not deterministic")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"5d41402abc4b2a76b9719d911017c592", true},
		{"5D41402ABC4B2A76B9719D911017C592", false},
		{"5d41402abc4b2a76b9719d911017c59", false},
		{"zz41402abc4b2a76b9719d911017c592", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
