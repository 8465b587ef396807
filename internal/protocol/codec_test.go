package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	env, err := NewEnvelope("ai:send", map[string]string{"text": "hi"})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ai:send","payload":{"text":"hi"}}`+"\n", string(data))
}

func TestEncodeNilPayload(t *testing.T) {
	env, err := NewEnvelope("voice:list-devices", nil)
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"voice:list-devices","payload":{}}`+"\n", string(data))
}

func TestEncodeMissingType(t *testing.T) {
	_, err := Encode(Envelope{})
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecoderSingleChunk(t *testing.T) {
	dec := NewDecoder()
	lines := dec.Feed([]byte(`{"type":"status","payload":{"text":"Ready"}}` + "\n"))

	require.Len(t, lines, 1)
	assert.True(t, lines[0].IsMessage)
	assert.Equal(t, "status", lines[0].Envelope.Type)
	assert.Equal(t, "Ready", lines[0].Envelope.Text())
	assert.Zero(t, dec.Pending())
}

func TestDecoderCarriesPartialLine(t *testing.T) {
	dec := NewDecoder()

	assert.Empty(t, dec.Feed([]byte(`{"type":"transcr`)))
	assert.Equal(t, 16, dec.Pending())

	lines := dec.Feed([]byte(`iption","payload":{"text":"hello"}}` + "\n" + `{"type":"st`))
	require.Len(t, lines, 1)
	assert.Equal(t, "transcription", lines[0].Envelope.Type)
	assert.Equal(t, "hello", lines[0].Envelope.Text())

	lines = dec.Feed([]byte(`atus","payload":{"text":"Ready"}}` + "\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, "status", lines[0].Envelope.Type)
}

func TestDecoderFragmentationIndependent(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"status","payload":{"text":"Loading model"}}`,
		`Downloading weights 45%`,
		`{"type":"transcription","payload":{"text":"what time is it"}}`,
		``,
		`{"type":"ai:response","payload":{"text":"[happy] Noon!"}}`,
		`{"type":"ptt-status","payload":{"active":true}}`,
	}, "\n") + "\n"

	whole := collect(NewDecoder(), []byte(stream), len(stream))

	for _, size := range []int{1, 2, 3, 7, 13, 64} {
		got := collect(NewDecoder(), []byte(stream), size)
		assert.Equal(t, whole, got, "chunk size %d", size)
	}
	require.Len(t, whole, 5)
	assert.False(t, whole[1].IsMessage)
	assert.Equal(t, "Downloading weights 45%", whole[1].Text)
}

func TestDecoderNonJSONIsNoise(t *testing.T) {
	dec := NewDecoder()
	lines := dec.Feed([]byte("Traceback (most recent call last):\n{not json}\n{\"payload\":{}}\n42\n"))

	require.Len(t, lines, 4)
	for _, l := range lines {
		assert.False(t, l.IsMessage, l.Text)
	}
}

func TestDecoderCRLF(t *testing.T) {
	dec := NewDecoder()
	lines := dec.Feed([]byte("{\"type\":\"status\",\"payload\":{}}\r\n"))
	require.Len(t, lines, 1)
	assert.True(t, lines[0].IsMessage)
}

func TestDecoderFlush(t *testing.T) {
	dec := NewDecoder()
	assert.Empty(t, dec.Feed([]byte(`{"type":"status","payload":{}}`)))

	lines := dec.Flush()
	require.Len(t, lines, 1)
	assert.Equal(t, "status", lines[0].Envelope.Type)
	assert.Empty(t, dec.Flush())
}

func TestDecoderMaxLine(t *testing.T) {
	dec := &Decoder{MaxLine: 8}
	lines := dec.Feed([]byte("0123456789"))
	require.Len(t, lines, 1)
	assert.Equal(t, "0123456789", lines[0].Text)
	assert.Zero(t, dec.Pending())
}

func TestReadLines(t *testing.T) {
	r := strings.NewReader("noise\n{\"type\":\"status\",\"payload\":{\"text\":\"Ready\"}}\ntrailing")

	var got []Line
	require.NoError(t, ReadLines(r, func(l Line) { got = append(got, l) }))

	require.Len(t, got, 3)
	assert.Equal(t, "noise", got[0].Text)
	assert.Equal(t, "Ready", got[1].Envelope.Text())
	assert.Equal(t, "trailing", got[2].Text)
}

func TestEnvelopeDecode(t *testing.T) {
	env := Envelope{Type: "voice:devices", Payload: json.RawMessage(`{"devices":[{"index":1,"name":"Mic"}]}`)}

	var p struct {
		Devices []struct {
			Index int    `json:"index"`
			Name  string `json:"name"`
		} `json:"devices"`
	}
	require.NoError(t, env.Decode(&p))
	require.Len(t, p.Devices, 1)
	assert.Equal(t, "Mic", p.Devices[0].Name)
}

func collect(dec *Decoder, data []byte, size int) []Line {
	var out []Line
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, dec.Feed(data[:n])...)
		data = data[n:]
	}
	return append(out, dec.Flush()...)
}
