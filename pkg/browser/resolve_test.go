package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func formSnapshot() *Snapshot {
	return NewSnapshot("https://example.com/login", []Element{
		{Ref: "e1", Descriptor: Descriptor{Role: "heading", Text: "Sign in to continue"}},
		{Ref: "e2", Descriptor: Descriptor{Role: "textbox", Name: "Email address", Placeholder: "you@example.com"}},
		{Ref: "e3", Descriptor: Descriptor{Role: "textbox", Label: "Password"}},
		{Ref: "e4", Descriptor: Descriptor{Role: "button", Name: "Sign in"}},
		{Ref: "e5", Descriptor: Descriptor{Role: "combobox", Value: "United States"}},
	})
}

func TestResolve(t *testing.T) {
	snap := formSnapshot()

	tests := []struct {
		name   string
		target string
		want   string
		ok     bool
	}{
		{name: "exact ref", target: "e3", want: "e3", ok: true},
		{name: "name substring case insensitive", target: "EMAIL", want: "e2", ok: true},
		{name: "label substring", target: "password", want: "e3", ok: true},
		{name: "value substring", target: "united", want: "e5", ok: true},
		{name: "name beats text even when text element is earlier", target: "sign in", want: "e4", ok: true},
		{name: "text fallback", target: "continue", want: "e1", ok: true},
		{name: "placeholder is not searched", target: "you@example", ok: false},
		{name: "no match", target: "checkout", ok: false},
		{name: "empty target", target: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.target, snap)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_ExactRefWinsOverSubstring(t *testing.T) {
	snap := NewSnapshot("", []Element{
		{Ref: "submit-ref", Descriptor: Descriptor{Name: "button submit"}},
		{Ref: "submit", Descriptor: Descriptor{Name: "unrelated"}},
	})

	got, ok := Resolve("submit", snap)
	assert.True(t, ok)
	assert.Equal(t, "submit", got)
}

func TestResolve_FirstMatchInInsertionOrder(t *testing.T) {
	snap := NewSnapshot("", []Element{
		{Ref: "z", Descriptor: Descriptor{Name: "Save draft"}},
		{Ref: "a", Descriptor: Descriptor{Name: "Save"}},
	})

	got, ok := Resolve("save", snap)
	assert.True(t, ok)
	assert.Equal(t, "z", got)
}

func TestResolve_NilSnapshot(t *testing.T) {
	_, ok := Resolve("anything", nil)
	assert.False(t, ok)
}
