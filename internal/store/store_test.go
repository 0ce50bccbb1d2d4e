package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/logic"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.bin")
	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(0, 12345))
	require.NoError(t, s.Write(2, 1<<40))

	got, err := s.Load(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), got)

	got, err = s.Load(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), got)

	// Meter 1 sits in the zero-filled hole between slots 0 and 2.
	got, err = s.Load(1)
	require.NoError(t, err)
	assert.Zero(t, got)

	// Past the end of the file.
	got, err = s.Load(7)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestFileStoreOverwrite(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "counts.bin"))
	require.NoError(t, err)
	defer s.Close()

	for _, v := range []uint64{1, 500, 499, 0} {
		require.NoError(t, s.Write(0, v))
		got, err := s.Load(0)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestFileStoreLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.bin")
	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(1, 0x0102030405060708))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 2*SlotSize)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, raw[SlotSize:SlotSize+8])
}

func TestFileStoreErasedSlotLoadsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.bin")
	erased := make([]byte, SlotSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	require.NoError(t, os.WriteFile(path, erased, 0o644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(0)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestFileStoreChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.bin")
	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(0, 42))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[3] ^= 0x10
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err = OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestFileStoreTruncatedSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 1}, 0o644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(0)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestFileStoreNegativeMeter(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "counts.bin"))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Write(-1, 1), ErrStorage)
	_, err = s.Load(-1)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pulses.db"))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(0)
	require.NoError(t, err)
	assert.Zero(t, got, "never-written meter loads as 0")

	require.NoError(t, s.Write(0, 10))
	require.NoError(t, s.Write(0, 12345))
	require.NoError(t, s.Write(3, 7))

	got, err = s.Load(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), got)

	got, err = s.Load(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)
}

func TestSQLiteStoreRejectsHugeCount(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pulses.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Write(0, 1<<63), ErrStorage)
}

func TestMemStoreFailure(t *testing.T) {
	m := NewMemStore()
	m.SetError(errors.New("disk full"))
	assert.ErrorIs(t, m.Write(0, 1), ErrStorage)
	assert.Zero(t, m.Writes())

	m.SetError(nil)
	require.NoError(t, m.Write(0, 1))
	assert.Equal(t, 1, m.Writes())
}

func TestOpenDrivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{DriverFile, DriverSQLite, DriverMemory} {
		b, err := Open(driver, filepath.Join(dir, driver))
		require.NoError(t, err, driver)
		require.NoError(t, b.Write(0, 1), driver)
		require.NoError(t, b.Close(), driver)
	}

	_, err := Open("eeprom", "")
	assert.Error(t, err)
}

// TestRestoreAfterRestart persists a total through one aggregator, then
// builds a fresh one over the reopened store and checks it resumes.
func TestRestoreAfterRestart(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{DriverFile, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(dir, "restart-"+driver)
			cfgs := []logic.Config{{Name: "main", MinPulseLength: 40, PulsesPerUnit: 1000}}

			b, err := Open(driver, path)
			require.NoError(t, err)
			clk := clock.New(0)
			agg, err := logic.NewAggregator(logic.NewMeters(clk, cfgs), b, nil, clk)
			require.NoError(t, err)
			require.NoError(t, agg.Reset(0, 12345))
			require.NoError(t, b.Close())

			b, err = Open(driver, path)
			require.NoError(t, err)
			defer b.Close()
			meters := logic.NewMeters(clk, cfgs)
			agg, err = logic.NewAggregator(meters, b, nil, clk)
			require.NoError(t, err)
			assert.Equal(t, uint64(12345), agg.Total(0))

			meters.EdgeAt(0, true, 100)
			meters.EdgeAt(0, false, 200)
			rep := agg.Cycle()
			assert.Equal(t, uint64(12346), rep.Meters[0].Total)
			assert.True(t, rep.Meters[0].Persisted)

			got, err := b.Load(0)
			require.NoError(t, err)
			assert.Equal(t, uint64(12346), got)
		})
	}
}
