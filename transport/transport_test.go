package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

func TestStaticRegionTable(t *testing.T) {
	table := NewStaticRegionTable()
	core := machine.Core{X: 0, Y: 1, P: 2}
	table.Set(core, 3, 0x70000000)

	addr, err := table.RegionBaseAddress(context.Background(), core, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x70000000), addr)

	_, err = table.RegionBaseAddress(context.Background(), core, 4)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	_, err = table.RegionBaseAddress(context.Background(), machine.Core{}, 3)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}
