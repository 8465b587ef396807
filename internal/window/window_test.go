package window

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

func TestStateOf(t *testing.T) {
	assert.Equal(t, State{AlwaysOnTop: true}, StateOf(map[string]any{"alwaysOnTop": true, "clickThrough": "yes"}))
	assert.Equal(t, State{}, StateOf(map[string]any{}))
}

func TestPublisherDedup(t *testing.T) {
	var sent []protocol.Message
	p := NewPublisher(func(m protocol.Message) { sent = append(sent, m) }, zerolog.Nop())

	_, ok := p.Current()
	assert.False(t, ok)

	p.Apply(State{})
	p.Apply(State{})
	p.Apply(State{ClickThrough: true})
	p.Apply(State{ClickThrough: true})

	require.Len(t, sent, 2)
	assert.Equal(t, protocol.TypeWindowState, sent[1].Type)

	var got State
	require.NoError(t, sent[1].Decode(&got))
	assert.True(t, got.ClickThrough)

	cur, ok := p.Current()
	assert.True(t, ok)
	assert.Equal(t, got, cur)
}
