package sse

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/intake/model"
)

const sampleStream = "data: {\"type\":\"progress\",\"current\":1,\"total\":3}\n\n" +
	": keep-alive comment\n\n" +
	"data: {\"type\":\"progress\",\"current\":2,\"total\":3}\n\n" +
	"data: {not json}\n\n" +
	"event: ping\n\n" +
	"data: {\"type\":\"progress\",\"current\":3,\"total\":3}\n\n" +
	"data: {\"type\":\"complete\",\"results\":{\"question_1\":{\"question_text\":\"Who is the CEO? 👩‍💼\",\"score\":4}}}\n\n" +
	"data: {\"type\":\"progress\",\"cur"

// decodeChunks feeds every chunk, flushes, and returns the payloads in order.
func decodeChunks(t *testing.T, chunks []string) []string {
	t.Helper()
	d := NewDecoder()
	var out []string
	for _, c := range chunks {
		recs, err := d.Feed([]byte(c))
		require.NoError(t, err)
		for _, r := range recs {
			out = append(out, string(r.Data))
		}
	}
	for _, r := range d.Flush() {
		out = append(out, string(r.Data))
	}
	return out
}

func splitAt(s string, cuts []int) []string {
	sort.Ints(cuts)
	var chunks []string
	prev := 0
	for _, c := range cuts {
		if c < prev || c > len(s) {
			continue
		}
		chunks = append(chunks, s[prev:c])
		prev = c
	}
	return append(chunks, s[prev:])
}

func TestDecoderSingleChunk(t *testing.T) {
	got := decodeChunks(t, []string{sampleStream})
	require.Len(t, got, 4)
	assert.JSONEq(t, `{"type":"progress","current":1,"total":3}`, got[0])
	assert.JSONEq(t, `{"type":"progress","current":2,"total":3}`, got[1])
	assert.JSONEq(t, `{"type":"progress","current":3,"total":3}`, got[2])
	assert.Contains(t, got[3], `"complete"`)
}

func TestDecoderEveryTwoWaySplit(t *testing.T) {
	want := decodeChunks(t, []string{sampleStream})
	for i := 0; i <= len(sampleStream); i++ {
		got := decodeChunks(t, []string{sampleStream[:i], sampleStream[i:]})
		require.Equal(t, want, got, "split at byte %d", i)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	want := decodeChunks(t, []string{sampleStream})
	chunks := make([]string, 0, len(sampleStream))
	for i := 0; i < len(sampleStream); i++ {
		chunks = append(chunks, sampleStream[i:i+1])
	}
	assert.Equal(t, want, decodeChunks(t, chunks))
}

func TestDecoderTerminatorSplitAcrossChunks(t *testing.T) {
	d := NewDecoder()

	recs, err := d.Feed([]byte("data: {\"type\":\"progress\",\"current\":1,\"total\":2}\n"))
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = d.Feed([]byte("\ndata: {\"type\""))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, len(`data: {"type"`), d.Pending())
}

func TestDecoderIgnoresNoise(t *testing.T) {
	got := decodeChunks(t, []string{"retry: 100\n\n", ":\n\n", "\n\n", "data:{\"type\":\"progress\"}\n\n"})
	assert.Empty(t, got)
}

func TestDecoderFlushDiscardsResidual(t *testing.T) {
	d := NewDecoder()
	recs, err := d.Feed([]byte(`data: {"type":"complete","results":{}}`))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, d.Flush())
	assert.Zero(t, d.Pending())
}

func TestDecoderRecordTooLarge(t *testing.T) {
	d := NewDecoder(WithMaxPending(32))

	recs, err := d.Feed([]byte("data: {\"type\":\"progress\"}\n\ndata: {\"type\":\"progress\",\"current\":1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRecordTooLarge))
	assert.Len(t, recs, 1, "records completed before the overflow are still returned")
	assert.Zero(t, d.Pending())
}

// decodeCapped feeds chunks until the first error and reports the payloads
// returned up to that point.
func decodeCapped(chunks []string, maxPending int) ([]string, error) {
	d := NewDecoder(WithMaxPending(maxPending))
	var out []string
	for _, c := range chunks {
		recs, err := d.Feed([]byte(c))
		for _, r := range recs {
			out = append(out, string(r.Data))
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func TestDecoderTerminatedRecordTooLarge(t *testing.T) {
	oversized := "data: {\"type\":\"progress\",\"current\":1,\"total\":6,\"pad\":\"" + strings.Repeat("x", 40) + "\"}\n\n"
	stream := "data: {\"a\":1}\n\n" + oversized + "data: {\"b\":2}\n\n"

	tests := []struct {
		name   string
		chunks []string
	}{
		{"single chunk", []string{stream}},
		{"eight byte chunks", splitEvery(stream, 8)},
		{"byte at a time", splitEvery(stream, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCapped(tt.chunks, 32)
			require.ErrorIs(t, err, ErrRecordTooLarge)
			assert.Equal(t, []string{`{"a":1}`}, got)
		})
	}
}

func TestDecoderRecordAtLimit(t *testing.T) {
	// 15 bytes of record plus the first newline fill a 16 byte cap exactly.
	stream := "data: {\"a\":123}\n\n"
	require.Len(t, stream, 17)

	for _, chunks := range [][]string{{stream}, splitEvery(stream, 1)} {
		got, err := decodeCapped(chunks, 16)
		require.NoError(t, err)
		assert.Equal(t, []string{`{"a":123}`}, got)
	}
	_, err := decodeCapped([]string{stream}, 15)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func splitEvery(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return append(chunks, s)
}

func TestDecoderSizeLimitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("the size limit is independent of chunk boundaries", prop.ForAll(
		func(pads []int, cuts []int) bool {
			var sb strings.Builder
			for i, p := range pads {
				fmt.Fprintf(&sb, "data: {\"i\":%d,\"p\":\"%s\"}\n\n", i, strings.Repeat("x", p))
			}
			stream := sb.String()

			whole, wholeErr := decodeCapped([]string{stream}, 48)
			split, splitErr := decodeCapped(splitAt(stream, cuts), 48)
			if (wholeErr == nil) != (splitErr == nil) || len(whole) != len(split) {
				return false
			}
			for i := range whole {
				if whole[i] != split[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 2000)),
	))

	properties.TestingRun(t)
}

func TestDecoderChunkBoundaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decoding is independent of chunk boundaries", prop.ForAll(
		func(currents []int, cuts []int) bool {
			var sb strings.Builder
			for i, c := range currents {
				if i%3 == 2 {
					sb.WriteString("data: {garbage\n\n")
				}
				fmt.Fprintf(&sb, "data: {\"type\":\"progress\",\"current\":%d,\"total\":%d}\n\n", c, len(currents))
			}
			sb.WriteString("data: {\"type\":\"complete\",\"results\":{}}\n\ndata: {\"trailing")
			stream := sb.String()

			whole := decodeChunks(t, []string{stream})
			split := decodeChunks(t, splitAt(stream, cuts))
			if len(whole) != len(currents)+1 || len(whole) != len(split) {
				return false
			}
			for i := range whole {
				if whole[i] != split[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.IntRange(0, 4000)),
	))

	properties.TestingRun(t)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(Record{Data: []byte(`{"type":"progress","current":2,"total":6}`)})
	require.NoError(t, err)
	assert.Equal(t, model.ProgressEvent{Current: 2, Total: 6}, ev)

	ev, err = ParseEvent(Record{Data: []byte(`{"type":"complete","results":{"question_1":{"score":3}}}`)})
	require.NoError(t, err)
	complete, ok := ev.(model.CompleteEvent)
	require.True(t, ok)
	assert.JSONEq(t, `{"score":3}`, string(complete.Results["question_1"]))

	ev, err = ParseEvent(Record{Data: []byte(`{"type":"complete"}`)})
	require.NoError(t, err)
	assert.NotNil(t, ev.(model.CompleteEvent).Results)

	ev, err = ParseEvent(Record{Data: []byte(`{"type":"error","message":"No PDF files found in folder"}`)})
	require.NoError(t, err)
	assert.Equal(t, model.ErrorEvent{Message: "No PDF files found in folder"}, ev)
}

func TestParseEventRejects(t *testing.T) {
	_, err := ParseEvent(Record{Data: []byte(`{"type":"heartbeat"}`)})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = ParseEvent(Record{Data: []byte(`{"type":"progress","current":"one"}`)})
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)

	_, err = ParseEvent(Record{Data: []byte(`{"type":"progress","current":-1,"total":3}`)})
	assert.ErrorAs(t, err, &decErr)

	_, err = ParseEvent(Record{Data: []byte(`[1,2,3]`)})
	assert.ErrorAs(t, err, &decErr)
}

func TestEncodeRoundTripsThroughDecoder(t *testing.T) {
	var stream []byte
	for _, ev := range []model.Event{
		model.ProgressEvent{Current: 1, Total: 2},
		model.ErrorEvent{Message: "boom"},
	} {
		b, err := Encode(ev)
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	d := NewDecoder()
	recs, err := d.Feed(stream)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first, err := ParseEvent(recs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ProgressEvent{Current: 1, Total: 2}, first)

	second, err := ParseEvent(recs[1])
	require.NoError(t, err)
	assert.Equal(t, model.ErrorEvent{Message: "boom"}, second)
}
