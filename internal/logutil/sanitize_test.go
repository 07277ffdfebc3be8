package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	got := SanitizeForLog("web-1\n[ssh] fake entry\r\x07")
	if got != "web-1 [ssh] fake entry " {
		t.Errorf("unexpected sanitized value %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("got %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestMaskCommand(t *testing.T) {
	tests := []struct {
		in        string
		sensitive bool
		want      string
	}{
		{"mysql -u root --password=hunter2 db", false, "mysql -u root --password=**** db"},
		{"curl -H x --token abc123", false, "curl -H x --token ****"},
		{"export API_KEY=sk-live-1", false, "export API_KEY=****"},
		{"ls -la /tmp", false, "ls -la /tmp"},
		{"echo secret-value | passwd --stdin bob", true, "echo ****"},
		{"   ", true, ""},
	}
	for _, tt := range tests {
		if got := MaskCommand(tt.in, tt.sensitive); got != tt.want {
			t.Errorf("MaskCommand(%q, %v) = %q, want %q", tt.in, tt.sensitive, got, tt.want)
		}
	}
}
