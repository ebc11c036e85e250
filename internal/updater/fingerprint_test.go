package updater

import "testing"

func TestFingerprint(t *testing.T) {
	const helloWorld = "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"
	tests := []struct {
		text string
		want string
	}{
		{"hello world", helloWorld},
		{"  hello \n\t world ", helloWorld},
	}
	for _, tt := range tests {
		if got := Fingerprint(tt.text); got != tt.want {
			t.Errorf("Fingerprint(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
	if Fingerprint("hello world") == Fingerprint("Hello world") {
		t.Error("fingerprint should be case-sensitive")
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("\ta  b\n\nc "); got != "a b c" {
		t.Errorf("NormalizeText = %q", got)
	}
}
