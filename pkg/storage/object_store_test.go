package storage

import "testing"

func TestObjectURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{name: "endpoint", base: "http://minio:9000", want: "http://minio:9000/avatars/u1/a.png"},
		{name: "base with path", base: "https://cdn.example.com/media/", want: "https://cdn.example.com/media/avatars/u1/a.png"},
		{name: "drops query", base: "https://cdn.example.com?x=1", want: "https://cdn.example.com/avatars/u1/a.png"},
		{name: "no host", base: "", want: "/avatars/u1/a.png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ObjectURL(tc.base, "avatars", "u1/a.png"); got != tc.want {
				t.Fatalf("ObjectURL = %q, want %q", got, tc.want)
			}
		})
	}
}
