package voice

import "testing"

func TestSpeakable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "You need CS 101 and CS 102.", want: "You need CS 101 and CS 102."},
		{name: "link label kept", in: "See the [catalog](https://example.edu/catalog) for details.", want: "See the catalog for details."},
		{name: "bare url dropped", in: "Register at https://example.edu/reg today.", want: "Register at today."},
		{name: "emphasis", in: "This is **required** for *graduation*.", want: "This is required for graduation."},
		{name: "list items", in: "Options:\n- CS 101\n- CS 102", want: "Options: CS 101 CS 102"},
		{name: "heading", in: "## Next steps\nMeet your advisor.", want: "Next steps Meet your advisor."},
		{name: "code", in: "Run ```make all``` then `go`.", want: "Run then go."},
		{name: "emoji", in: "Great job 🎉!", want: "Great job !"},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Speakable(tt.in); got != tt.want {
				t.Fatalf("Speakable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
