package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Frame
		wantErr bool
	}{
		{name: "request", body: "trackReq id=42 botnet=zeus1", want: &TrackRequest{ID: "42", Target: "zeus1"}},
		{name: "request fields swapped", body: "trackReq botnet=zeus1 id=42", want: &TrackRequest{ID: "42", Target: "zeus1"}},
		{name: "request extra spaces", body: "  trackReq   id=42\tbotnet=zeus1 \n", want: &TrackRequest{ID: "42", Target: "zeus1"}},
		{name: "request uuid id", body: "trackReq id=9b2f6c1e-0d4a-4c55-8f0e-3a1b2c3d4e5f botnet=mirai", want: &TrackRequest{ID: "9b2f6c1e-0d4a-4c55-8f0e-3a1b2c3d4e5f", Target: "mirai"}},
		{name: "answer", body: "trackAnswer id=42", want: &TrackAnswer{ID: "42"}},
		{name: "value containing equals", body: "trackAnswer id=a=b", want: &TrackAnswer{ID: "a=b"}},

		{name: "empty", body: "", wantErr: true},
		{name: "chat text", body: "hello everyone", wantErr: true},
		{name: "verb is case sensitive", body: "trackreq id=42 botnet=zeus1", wantErr: true},
		{name: "request missing target", body: "trackReq id=42", wantErr: true},
		{name: "request extra field", body: "trackReq id=42 botnet=zeus1 x=y", wantErr: true},
		{name: "request wrong key", body: "trackReq id=42 target=zeus1", wantErr: true},
		{name: "request duplicate key", body: "trackReq id=42 id=43", wantErr: true},
		{name: "request empty value", body: "trackReq id= botnet=zeus1", wantErr: true},
		{name: "request bare token", body: "trackReq 42 botnet=zeus1", wantErr: true},
		{name: "answer missing id", body: "trackAnswer", wantErr: true},
		{name: "answer extra field", body: "trackAnswer id=42 botnet=zeus1", wantErr: true},
		{name: "answer wrong key", body: "trackAnswer ref=42", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode(t *testing.T) {
	body, err := TrackRequest{ID: "42", Target: "zeus1"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "trackReq id=42 botnet=zeus1", body)

	body, err = TrackAnswer{ID: "42"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "trackAnswer id=42", body)
}

func TestEncode_RejectsUnsafeTokens(t *testing.T) {
	_, err := TrackRequest{ID: "42", Target: "zeus 1"}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = TrackRequest{ID: "", Target: "zeus1"}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = TrackAnswer{ID: "4\t2"}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeDecode_LegacyPeers(t *testing.T) {
	// bodies produced here must parse the same way on the other side
	req := TrackRequest{ID: "7781", Target: "emotet-c2"}
	body, err := req.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, &req, got)
}

func TestValidTarget(t *testing.T) {
	assert.NoError(t, ValidTarget("zeus1"))
	assert.ErrorIs(t, ValidTarget(""), ErrMalformed)
	assert.ErrorIs(t, ValidTarget("two words"), ErrMalformed)
}
