package router

import (
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"Foo Bar":   "foo_bar",
		"Foo-Bar":   "foo_bar",
		"  GitHub ": "github",
		"a__b--c":   "a_b_c",
		"!!!":       "",
		"already_ok": "already_ok",
	}
	for in, want := range cases {
		assert.Equal(t, NormalizePrefix(in), want, "input=%q", in)
	}
}

func TestPrefixNameRoundTrip(t *testing.T) {
	prefixed := PrefixName("Foo Bar", "create_issue")
	assert.Equal(t, prefixed, "foo_bar__create_issue")

	prefix, original, ok := ParsePrefixedName(prefixed)
	assert.Assert(t, ok)
	assert.Equal(t, prefix, "foo_bar")
	assert.Equal(t, original, "create_issue")
}

func TestParsePrefixedNameNoSeparator(t *testing.T) {
	_, _, ok := ParsePrefixedName("no_separator_here")
	assert.Assert(t, !ok)
}

func TestResolveFirstMatchWins(t *testing.T) {
	items := []NamedItem{
		{ServerID: "1", ServerName: "Foo Bar", OriginalName: "ping"},
		{ServerID: "2", ServerName: "Other", OriginalName: "ping"},
	}
	got, ok := Resolve(items, "foo_bar__ping")
	assert.Assert(t, ok)
	assert.Equal(t, got.ServerID, "1")
}

func TestCompactDescriptionUnderLimit(t *testing.T) {
	short := "a short description"
	assert.Equal(t, CompactDescription(short), short)
}

func TestCompactDescriptionTruncatesAtWhitespace(t *testing.T) {
	desc := strings.Repeat("word ", 40) // 200 chars
	out := CompactDescription(desc)
	assert.Assert(t, len([]rune(out)) <= 121) // +1 for ellipsis
	assert.Assert(t, strings.HasSuffix(out, "…"))
}

func TestDescribeWithProvenance(t *testing.T) {
	assert.Equal(t, DescribeWithProvenance("github", "creates issues"), "[github] creates issues")
}
