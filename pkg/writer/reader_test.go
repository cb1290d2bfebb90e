// Copyright (c) OpenMMLab. All rights reserved.

package writer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRecords_RoundTripsWhatWasWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(false))
	require.NoError(t, w.WriteRecord(KindAllocation, EncodeAllocation(1, 0x1000, 64, 0, 10, 0)))
	require.NoError(t, w.WriteRecord(KindFramePop, EncodeFramePop(1, 3)))
	require.NoError(t, w.WriteHeader(true))
	require.NoError(t, w.Close())

	records, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, KindHeader, records[0].Kind)
	assert.Equal(t, KindAllocation, records[1].Kind)
	assert.Equal(t, KindFramePop, records[2].Kind)
	assert.Equal(t, KindHeader, records[3].Kind)
	assert.Equal(t, byte(1), records[3].Payload[0], "second header must be the terminal one")
}

func TestReadRecords_MissingFileReturnsError(t *testing.T) {
	_, err := ReadRecords(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	assert.Error(t, err)
}
