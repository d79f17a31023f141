package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arenasync/sim"
)

func TestDecodeServerRejectsUnknownOrEmpty(t *testing.T) {
	_, err := DecodeServer([]byte(`{"type":"chat","state":{}}`))
	assert.Error(t, err)

	_, err = DecodeServer([]byte(`{"type":"state","tick":1}`))
	assert.Error(t, err)

	_, err = DecodeServer([]byte(`not json`))
	assert.Error(t, err)
}

func TestServerMessageCarriesState(t *testing.T) {
	s := sim.SeedWorld("123", sim.ModeCargoRush)
	raw, err := EncodeServer(TypeInit, 7, s)
	require.NoError(t, err)

	m, err := DecodeServer(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeInit, m.Type)
	assert.Equal(t, uint64(7), m.Tick)
	assert.True(t, m.State.Equal(s))
}

func TestMoveCommand(t *testing.T) {
	raw, err := EncodeMove(sim.DirLeft, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"move","command":"left","seq":4}`, string(raw))

	assert.Equal(t, sim.DirUp, InputMessage{Command: "UP"}.Direction())
	assert.Equal(t, sim.DirNone, InputMessage{Command: "sideways"}.Direction())
}

func TestDecodeInput(t *testing.T) {
	raw, err := EncodeMove(sim.DirLeft, 9)
	require.NoError(t, err)
	m, err := DecodeInput(raw)
	require.NoError(t, err)
	assert.Equal(t, sim.DirLeft, m.Direction())
	assert.EqualValues(t, 9, m.Seq)

	m, err = DecodeInput([]byte(`{"type":"MOVE","command":"Up"}`))
	require.NoError(t, err)
	assert.Equal(t, sim.DirUp, m.Direction())

	_, err = DecodeInput([]byte(`{"type":"chat","command":"hi"}`))
	assert.Error(t, err)
	_, err = DecodeInput([]byte(`{`))
	assert.Error(t, err)
}
