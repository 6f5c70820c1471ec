package dxl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAngleConversions(t *testing.T) {
	testCases := []struct {
		raw int
		deg float64
	}{
		{0, -150.0},
		{1023, 150.0},
		{512, 0.1},
		{511, -0.1},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.deg, AngleToDegrees(tc.raw), "raw %d", tc.raw)
	}

	for _, tc := range []struct {
		deg float64
		raw int
	}{
		{-150, 0},
		{150, 1023},
		{0, 511},
		{45, 664},
	} {
		got, err := DegreesToAngle(tc.deg)
		require.NoError(t, err)
		require.Equal(t, tc.raw, got, "%.1f degrees", tc.deg)
	}

	_, err := DegreesToAngle(150.1)
	require.ErrorIs(t, err, ErrByteRange)
}

func TestBaudRateByte(t *testing.T) {
	testCases := []struct {
		bps int
		v   byte
	}{
		{1000000, 1},
		{500000, 3},
		{115200, 16},
		{57600, 34},
		{9600, 207},
	}
	for _, tc := range testCases {
		v, err := BaudRateByte(tc.bps)
		require.NoError(t, err)
		require.Equal(t, tc.v, v, "%d bps", tc.bps)
	}
	require.Equal(t, 57142, BaudRateFromByte(34))

	_, err := BaudRateByte(2000000)
	require.ErrorIs(t, err, ErrByteRange)
}

func TestLoadPercent(t *testing.T) {
	require.Equal(t, 0.0, LoadPercent(0))
	require.Equal(t, 100.0, LoadPercent(1023))
	require.Equal(t, -100.0, LoadPercent(0x400|1023))
}

func TestRegisterTable(t *testing.T) {
	regs := Registers()
	for i := 1; i < len(regs); i++ {
		prev := regs[i-1]
		require.LessOrEqual(t, int(prev.Address)+prev.Width, int(regs[i].Address), "%s overlaps %s", prev.Name, regs[i].Name)
	}

	r, err := LookupRegister("present_temperature")
	require.NoError(t, err)
	require.Equal(t, byte(0x2B), r.Address)
	require.Equal(t, ReadOnly, r.Access)

	r, ok := RegisterAt(0x1E)
	require.True(t, ok)
	require.Equal(t, "goal_position", r.Name)

	_, err = LookupRegister("0x1f")
	require.ErrorIs(t, err, ErrUnknownRegister)
}

func TestRegisterCodec(t *testing.T) {
	goal, _ := LookupRegister("goal_position")
	b, err := goal.Encode(700)
	require.NoError(t, err)
	require.Equal(t, []byte{0xBC, 0x02}, b)
	v, err := goal.Decode(b)
	require.NoError(t, err)
	require.Equal(t, 700, v)

	_, err = goal.Encode(0x10000)
	require.ErrorIs(t, err, ErrByteRange)
	_, err = goal.Decode([]byte{1})
	require.ErrorIs(t, err, ErrParamCount)
}
