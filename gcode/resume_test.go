package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeSequence(t *testing.T) {
	lines := []string{
		"G21 G90 G55",
		"S10000 M3",
		"M8",
		"G0 Z5",
		"G0 X10 Y20",
		"G1 Z-1 F100",
		"G1 X30 F400",
	}
	m, err := Replay(lines, 6)
	require.NoError(t, err)

	seq, err := m.ResumeSequence(DefaultResumeOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"G21",
		"G55",
		"G17",
		"G94",
		"G90",
		"S10000 M3",
		"M8",
		"G53 G0 Z-1",
		"G0 X30 Y20",
		"G0 Z-1",
		"G1 F400",
	}, seq)
}

func TestResumeSequence_Options(t *testing.T) {
	m, err := Replay([]string{"G20", "M4 S500", "M7", "G0 X1 Y2", "G91", "G2 X1 Y1 I1 F30"}, 5)
	require.NoError(t, err)

	seq, err := m.ResumeSequence(ResumeOptions{SafeZ: 0.5, SpindleDwell: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"G20",
		"G54",
		"G17",
		"G94",
		"G90",
		"S500 M4",
		"G4 P2",
		"M7",
		"G21",
		"G0 Z0.5",
		"G20",
		"G0 X2 Y3",
		"G91",
		"G2 F30",
	}, seq)
}

func TestResumeSequence_InchProgram(t *testing.T) {
	m, err := Replay([]string{"G20", "G90", "G54", "G1 X1 Y1 Z-0.1 F10", "G1 X2 Y1"}, 4)
	require.NoError(t, err)

	seq, err := m.ResumeSequence(DefaultResumeOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"G20",
		"G54",
		"G17",
		"G94",
		"G90",
		"M5",
		"M9",
		"G21",
		"G53 G0 Z-1",
		"G20",
		"G0 X2 Y1",
		"G0 Z-0.1",
		"G1 F10",
	}, seq)
}

func TestResumeSequence_ArcContinuation(t *testing.T) {
	lines := []string{"G21", "G90", "G1 X0 Y0 Z-1 F100", "G2 X10 Y0 I5 J0", "X0 Y0 I-5 J0"}
	m, err := Replay(lines, 3)
	require.NoError(t, err)

	seq, err := m.ResumeSequence(DefaultResumeOptions())
	require.NoError(t, err)
	require.NotEmpty(t, seq)
	assert.Equal(t, []string{"G53 G0 Z-1", "G0 X10 Y0", "G0 Z-1", "G2 F100"}, seq[len(seq)-4:])
}

func TestResumeSequence_InvalidModal(t *testing.T) {
	m := ModalState{HasX: true, HasY: true}
	_, err := m.ResumeSequence(DefaultResumeOptions())
	assert.ErrorIs(t, err, ErrInvalidModal)

	m = DefaultModalState()
	m.HasX = true
	m.Spindle = "S100"
	_, err = m.ResumeSequence(DefaultResumeOptions())
	assert.ErrorIs(t, err, ErrInvalidModal)
}

func TestResumeSequence_Refuses(t *testing.T) {
	m, err := Replay([]string{"G21", "M3"}, 1)
	require.NoError(t, err)
	_, err = m.ResumeSequence(DefaultResumeOptions())
	assert.ErrorIs(t, err, ErrNoPosition)

	m, err = Replay([]string{"G0 X1 Y1", "G28", "G0 X5"}, 2)
	require.NoError(t, err)
	_, err = m.ResumeSequence(DefaultResumeOptions())
	assert.ErrorIs(t, err, ErrPositionUncertain)
}

func TestSetupPreamble(t *testing.T) {
	lines := []string{
		"(job header)",
		"G21 G90",
		"",
		"T1 M6 ; tool",
		"S12000 M3",
		"G0 Z5",
		"G0 X1",
	}
	assert.Equal(t, 5, FirstMotion(lines))
	assert.Equal(t, []string{"G21 G90", "T1 M6", "S12000 M3"}, SetupPreamble(lines))

	assert.Equal(t, -1, FirstMotion([]string{"G21", "M5"}))
	assert.Equal(t, []string{"G21", "M5"}, SetupPreamble([]string{"G21", "M5"}))
}
