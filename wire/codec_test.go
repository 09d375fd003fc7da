package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages() []Message {
	return []Message{
		&Request{ID: 2, Method: MethodSearch, Params: json.RawMessage(`"fire"`), Context: "s1"},
		&Request{ID: 7, Method: MethodActivate, Params: json.RawMessage(`{"a":1}`), Target: "apps"},
		&Response{ID: 2, Result: json.RawMessage(`{"type":"empty"}`), Source: "apps"},
		NewErrorResponse(9, CodeTargetNotFound, "no plugin named calc"),
		&Cancel{ID: 2},
		&Notification{Method: MethodPing},
		&Notification{Method: "log", Params: json.RawMessage(`{"line":"x"}`)},
		&Register{Name: "apps", Capabilities: []string{"search", "activate"}, Version: "1.0"},
	}
}

// TEST101: every message variant survives encode then decode in both formats
func Test101_roundtrip_all_variants(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		for _, m := range sampleMessages() {
			data, err := Encode(f, m)
			require.NoError(t, err, "%s %s", f, m.Kind())
			decoded, err := Decode(f, data)
			require.NoError(t, err, "%s %s", f, m.Kind())
			assert.Equal(t, m, decoded, "%s %s", f, m.Kind())
		}
	}
}

// TEST102: decode classification follows record shape
func Test102_decode_classification(t *testing.T) {
	cases := map[string]Kind{
		`{"id":1,"method":"search","params":"x"}`:              KindRequest,
		`{"id":1,"method":"cancel"}`:                           KindCancel,
		`{"method":"pong"}`:                                    KindNotification,
		`{"id":1,"result":null}`:                               KindResponse,
		`{"id":1,"error":{"code":"timeout","message":"slow"}}`: KindResponse,
		`{"name":"calc","capabilities":["search"]}`:            KindRegister,
	}
	for raw, want := range cases {
		m, err := Decode(FormatJSON, []byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, m.Kind(), raw)
	}
}

// TEST103: records with no recognizable shape are malformed
func Test103_decode_malformed(t *testing.T) {
	for _, raw := range []string{`{}`, `{"id":3}`, `{"result":{"type":"empty"}}`, `not json`, `[1,2]`} {
		_, err := Decode(FormatJSON, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

// TEST104: a response with neither result nor error encodes a null result
func Test104_bare_response_encodes_null_result(t *testing.T) {
	data, err := Encode(FormatJSON, &Response{ID: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"result":null}`, string(data))

	m, err := Decode(FormatJSON, data)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, m.Kind())
}

// TEST105: a batch of one is a single record, larger batches are arrays
func Test105_batch_single_vs_array(t *testing.T) {
	one := []*Response{{ID: 1, Result: EmptyResult(), Source: "a"}}
	data, err := EncodeBatch(FormatJSON, one)
	require.NoError(t, err)
	assert.Equal(t, byte('{'), data[0])

	two := []*Response{
		{ID: 1, Result: json.RawMessage(`{"type":"matches","data":[]}`), Source: "a"},
		{ID: 1, Result: EmptyResult(), Source: "b"},
	}
	data, err = EncodeBatch(FormatJSON, two)
	require.NoError(t, err)
	assert.Equal(t, byte('['), data[0])

	for _, f := range []Format{FormatJSON, FormatCBOR} {
		for _, batch := range [][]*Response{one, two} {
			data, err := EncodeBatch(f, batch)
			require.NoError(t, err)
			decoded, err := DecodeBatch(f, data)
			require.NoError(t, err)
			assert.Equal(t, batch, decoded, f.String())
		}
	}

	_, err = EncodeBatch(FormatJSON, nil)
	assert.Error(t, err)
}

// TEST106: DecodeBatch rejects non-response records
func Test106_decode_batch_rejects_requests(t *testing.T) {
	_, err := DecodeBatch(FormatJSON, []byte(`{"id":1,"method":"search"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeBatch(FormatJSON, []byte(`[{"id":1,"result":null},{"method":"ping"}]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

// TEST107: JSON lines stream read with blank lines and CRLF
func Test107_reader_json_lines(t *testing.T) {
	input := "{\"id\":1,\"method\":\"search\"}\r\n\n  \n{\"method\":\"pong\"}\n{\"id\":2,\"method\":\"cancel\"}"
	r := NewReader(strings.NewReader(input))

	m, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Request{ID: 1, Method: "search"}, m)
	assert.Equal(t, FormatJSON, r.Format())

	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Notification{Method: "pong"}, m)

	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Cancel{ID: 2}, m)

	_, err = r.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

// TEST108: the reader detects CBOR framing from the first byte
func Test108_reader_sniffs_cbor(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatCBOR)
	for _, m := range sampleMessages() {
		require.NoError(t, w.WriteMessage(m))
	}
	assert.Equal(t, byte(0x00), buf.Bytes()[0])

	r := NewReader(&buf)
	for _, want := range sampleMessages() {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, FormatCBOR, r.Format())
}

// TEST109: an oversized JSON line is rejected before it is decoded
func Test109_oversized_line_rejected(t *testing.T) {
	big := `{"id":1,"method":"search","params":"` + strings.Repeat("x", 200*1024) + `"}` + "\n"
	r := NewReader(strings.NewReader(big))
	r.SetLimits(Limits{MaxMessage: 1024})

	_, err := r.ReadRaw()
	assert.ErrorIs(t, err, ErrOversized)
}

// TEST110: an oversized CBOR length prefix is rejected before the body is read
func Test110_oversized_frame_rejected_from_prefix(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 4096)
	// only the prefix is present: reading the body would fail with EOF instead
	r := NewReaderFormat(bytes.NewReader(prefix[:]), FormatCBOR)
	r.SetLimits(Limits{MaxMessage: 1024})

	_, err := r.ReadRaw()
	assert.ErrorIs(t, err, ErrOversized)
}

// TEST111: the writer refuses records above its limit
func Test111_writer_enforces_limit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatJSON)
	w.SetLimits(Limits{MaxMessage: 32})

	err := w.WriteMessage(&Request{ID: 1, Method: "search", Params: json.RawMessage(`"` + strings.Repeat("y", 64) + `"`)})
	assert.True(t, errors.Is(err, ErrOversized))
	assert.Zero(t, buf.Len())
}

// TEST112: a truncated CBOR body is an unexpected EOF
func Test112_truncated_frame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10, 0xa1})
	r := NewReader(&buf)
	_, err := r.ReadRaw()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

// TEST113: limits clamp to the default and the hard limit
func Test113_limits_effective(t *testing.T) {
	assert.Equal(t, DefaultMaxMessage, Limits{}.Effective())
	assert.Equal(t, MaxMessageHardLimit, Limits{MaxMessage: 1 << 30}.Effective())
	assert.Equal(t, 500, Limits{MaxMessage: 500}.Effective())
}
