package mscript

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMetadata(t *testing.T) {
	tests := []struct {
		name   string
		fields string
		want   []MetadataFact
	}{
		{
			name:   "status ok",
			fields: "10",
			want:   []MetadataFact{{Kind: FactStatus, Status: StatusOK}},
		},
		{
			name:   "status overload",
			fields: "12",
			want:   []MetadataFact{{Kind: FactStatus, Status: StatusOverload}},
		},
		{
			name:   "status keeps every set bit",
			fields: "1A",
			want:   []MetadataFact{{Kind: FactStatus, Status: StatusOverload | StatusOverloadWarning}},
		},
		{
			name:   "status reads one digit",
			fields: "140",
			want:   []MetadataFact{{Kind: FactStatus, Status: StatusUnderload}},
		},
		{
			name:   "high speed range",
			fields: "288",
			want:   []MetadataFact{{Kind: FactCurrentRange, Range: CurrentRange{136, "1mA (High speed)"}}},
		},
		{
			name:   "single digit range",
			fields: "23",
			want:   []MetadataFact{{Kind: FactCurrentRange, Range: CurrentRange{3, "8uA"}}},
		},
		{
			name:   "range zero means none",
			fields: "200",
			want:   nil,
		},
		{
			name:   "noise passes through",
			fields: "4012A",
			want:   []MetadataFact{{Kind: FactNoise, Noise: "012A"}},
		},
		{
			name:   "status and range",
			fields: "10,288",
			want: []MetadataFact{
				{Kind: FactStatus, Status: StatusOK},
				{Kind: FactCurrentRange, Range: CurrentRange{136, "1mA (High speed)"}},
			},
		},
		{
			name:   "empty sub-fields are skipped",
			fields: "10,,",
			want:   []MetadataFact{{Kind: FactStatus, Status: StatusOK}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMetadata(tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMetadata_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		fields    string
		wantFacts int
	}{
		{"unknown tag", "90", 0},
		{"missing status", "1", 0},
		{"non hex status", "1Z", 0},
		{"unknown range index", "20C", 0},
		{"non hex range", "2zz", 0},
		{"range too wide", "2100", 0},
		{"good facts survive a bad one", "12,9X,288", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMetadata(tt.fields)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Len(t, got, tt.wantFacts)
		})
	}

	_, err := DecodeMetadata("90")
	assert.ErrorIs(t, err, ErrUnknownMetadata)
	_, err = DecodeMetadata("1Z")
	assert.NotErrorIs(t, err, ErrUnknownMetadata)
}

func TestDecodeMetadata_CustomNoiseDecoder(t *testing.T) {
	orig := DecodeNoise
	t.Cleanup(func() { DecodeNoise = orig })

	DecodeNoise = func(payload string) (string, error) {
		if payload == "bad" {
			return "", errors.New("cannot decode")
		}
		return "noise:" + payload, nil
	}

	got, err := DecodeMetadata("4ff")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "noise:ff", got[0].Noise)

	_, err = DecodeMetadata("4bad")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadingStatus_Flags(t *testing.T) {
	tests := []struct {
		status ReadingStatus
		want   string
	}{
		{StatusOK, "OK"},
		{StatusOverload, "Overload"},
		{StatusUnderload, "Underload"},
		{StatusOverloadWarning, "OverloadWarning"},
		{StatusOverload | StatusUnderload, "Overload|Underload"},
		{StatusTimingError, "TimingError"},
		{StatusOverload | StatusTimingError, "TimingError|Overload"},
		{StatusOverload | 0x10, "Overload|0x10"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
	assert.True(t, (StatusOverload | StatusUnderload).Has(StatusUnderload))
	assert.False(t, StatusOverload.Has(StatusUnderload))
}

func TestCurrentRanges(t *testing.T) {
	ranges := CurrentRanges()
	require.Len(t, ranges, 22)

	seen := make(map[int]bool)
	for _, r := range ranges {
		assert.False(t, seen[r.Index], "duplicate index %d", r.Index)
		seen[r.Index] = true
		assert.Equal(t, r.Index >= 128, r.HighSpeed(), r.Name)
	}

	ranges[0].Name = "changed"
	r, ok := CurrentRangeByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "100nA", r.Name)

	_, ok = CurrentRangeByIndex(12)
	assert.False(t, ok)
}
