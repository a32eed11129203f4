package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  *Context
		want string
	}{
		{name: "nil context", ctx: nil, want: UnknownValue},
		{name: "empty version", ctx: NewContext("", "2026-01-01"), want: UnknownValue},
		{name: "release", ctx: NewContext("1.0.0", "2026-01-01"), want: "1.0.0"},
		{name: "pre-release tag", ctx: NewContext("1.0.0-beta.1", ""), want: "1.0.0-beta.1"},
		{name: "build metadata", ctx: NewContext("1.0.0+build.123", ""), want: "1.0.0+build.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ctx.Version())
		})
	}
}

func TestContextBuildDate(t *testing.T) {
	t.Parallel()

	var nilCtx *Context
	assert.Equal(t, UnknownValue, nilCtx.BuildDate())
	assert.Equal(t, UnknownValue, NewContext("1.0.0", "").BuildDate())
	assert.Equal(t, "2026-10-01T12:00:00Z", NewContext("1.0.0", "2026-10-01T12:00:00Z").BuildDate())
}

func TestContextStringAndRelease(t *testing.T) {
	t.Parallel()

	ctx := NewContext("0.4.2", "2026-10-01")
	assert.Equal(t, "radiords 0.4.2 (built 2026-10-01)", ctx.String())
	assert.Equal(t, "radiords@0.4.2", ctx.Release())
	assert.Equal(t, "radiords@unknown", NewContext("", "").Release())
}

func TestValidationResult(t *testing.T) {
	t.Parallel()

	r := NewValidationResult()
	assert.True(t, r.Valid)
	assert.False(t, r.HasIssues())

	r.AddWarning("rds decoder %q not found", "redsea")
	assert.True(t, r.Valid, "warnings keep the result valid")
	assert.True(t, r.HasIssues())
	assert.Equal(t, []string{`rds decoder "redsea" not found`}, r.Warnings)

	r.AddError("receiver %s missing", "rtl_fm")
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"receiver rtl_fm missing"}, r.Errors)
}
