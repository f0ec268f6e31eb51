package objtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "Public|Standalone", (FlagPublic | FlagStandalone).String())
	assert.Equal(t, "Transient|RootSet", (FlagRootSet | FlagTransient).String())
	assert.Equal(t, "Native|0x400", (FlagNative | 1<<10).String())
}

func TestFlagsHasAny(t *testing.T) {
	t.Parallel()

	f := FlagPublic | FlagNeedLoad
	assert.True(t, f.Has(FlagPublic))
	assert.False(t, f.Has(FlagPublic|FlagStandalone))
	assert.True(t, f.Any(FlagPublic|FlagStandalone))
	assert.False(t, LoadMask.Any(FlagTransient|FlagNeedLoad))
	assert.True(t, Nil.IsNil())
}
