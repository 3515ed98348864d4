package profiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfMapLineFormat(t *testing.T) {
	dir := t.TempDir()
	p := &PerfMapProfiler{Dir: dir}
	p.Init()
	p.Register(0xC0DE0000, 0x40, "JIT_PPC_00001000")
	p.Shutdown()

	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("perf-%d.map", os.Getpid())))
	require.NoError(t, err)
	assert.Equal(t, "c0de0000 40 JIT_PPC_00001000\n", string(data))
}

func TestPerfMapDisabled(t *testing.T) {
	p := &PerfMapProfiler{}
	p.Init()
	p.Register(0x1000, 16, "JIT_PPC_00000000")
	p.Shutdown()
}

func TestSymbolStoreRoundTrip(t *testing.T) {
	store, err := NewMemorySymbolStore()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(0xC0DE0000, 0x40, "JIT_PPC_00001000"))

	label, size, ok, err := store.Lookup(0xC0DE0000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "JIT_PPC_00001000", label)
	assert.Equal(t, uint32(0x40), size)

	_, _, ok, err = store.Lookup(0xDEAD)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterFeedsStore(t *testing.T) {
	store, err := NewMemorySymbolStore()
	require.NoError(t, err)
	defer store.Close()

	p := &PerfMapProfiler{Store: store}
	p.Init()
	p.Register(0xBEEF, 8, "JIT_PPC_00002000")

	label, _, ok, err := store.Lookup(0xBEEF)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(label, "JIT_PPC_"))
}
