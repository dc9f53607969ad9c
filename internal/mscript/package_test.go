package mscript

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPtr(s ReadingStatus) *ReadingStatus { return &s }

func rangePtr(index int) *CurrentRange {
	r, _ := CurrentRangeByIndex(index)
	return &r
}

func TestParsePackage(t *testing.T) {
	tests := []struct {
		name string
		line Line
		want []Variable
	}{
		{
			name: "potential and current",
			line: "Pda8000000u;ba7FFFFFFm\n",
			want: []Variable{
				{ID: VarPotential, Value: 0},
				{ID: VarCurrent, Value: -1e-3},
			},
		},
		{
			name: "low biased current",
			line: "Pda8000000u;ba07FFFFFm\n",
			want: []Variable{
				{ID: VarPotential, Value: 0},
				{ID: VarCurrent, Value: float64(0x07FFFFF-ValueOffset) * 1e-3},
			},
		},
		{
			name: "metadata on current",
			line: "Pda7F85F3Fu;ba48D4927p,10,288\n",
			want: []Variable{
				{ID: VarPotential, Value: float64(0x7F85F3F-ValueOffset) * 1e-6},
				{ID: VarCurrent, Value: float64(0x48D4927-ValueOffset) * 1e-12, Status: statusPtr(StatusOK), Range: rangePtr(136)},
			},
		},
		{
			name: "carriage return trimmed",
			line: "Pda8000001u\r\n",
			want: []Variable{{ID: VarPotential, Value: 1e-6}},
		},
		{
			name: "unknown identifier is kept",
			line: "Peb8000005 \n",
			want: []Variable{{ID: "eb", Value: 5}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePackage(tt.line)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(1e-12, 0)); diff != "" {
				t.Errorf("ParsePackage(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParsePackage_DropsMalformedFields(t *testing.T) {
	got, err := ParsePackage("Pda8000001u;baXXXXXXXm;eb8000002 \n")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)

	require.Len(t, got, 2)
	assert.Equal(t, VarPotential, got[0].ID)
	assert.Equal(t, "eb", got[1].ID)
	assert.InDelta(t, 2.0, got[1].Value, 1e-12)
}

func TestParsePackage_MalformedMetadataRejectsVariable(t *testing.T) {
	tests := []struct {
		name string
		line Line
	}{
		{"non hex status", "Pda8000001u;ba8000001p,1Z\n"},
		{"unknown range index", "Pda8000001u;ba8000001p,20C\n"},
		{"bad status next to unknown tag", "Pda8000001u;ba8000001p,1Z,35\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePackage(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Contains(t, err.Error(), "variable ba")

			require.Len(t, got, 1)
			assert.Equal(t, VarPotential, got[0].ID)
		})
	}
}

func TestParsePackage_UnknownMetadataTagKeepsVariable(t *testing.T) {
	got, err := ParsePackage("Pda8000001u;ba8000002u,10,23,35\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMetadata)
	assert.ErrorIs(t, err, ErrMalformed)

	require.Len(t, got, 2)
	assert.Equal(t, VarPotential, got[0].ID)
	ba := got[1]
	assert.Equal(t, VarCurrent, ba.ID)
	assert.InDelta(t, 2e-6, ba.Value, 1e-18)
	require.NotNil(t, ba.Status)
	assert.Equal(t, StatusOK, *ba.Status)
	require.NotNil(t, ba.Range)
	assert.Equal(t, 3, ba.Range.Index)
}

func TestParsePackage_Rejects(t *testing.T) {
	_, err := ParsePackage("M0000\n")
	assert.ErrorIs(t, err, ErrUnexpectedLine)

	_, err = ParsePackage("P\n")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseVariable(t *testing.T) {
	v, err := ParseVariable("ba8000001n,14,203,4AB")
	require.NoError(t, err)
	assert.Equal(t, VarCurrent, v.ID)
	assert.InDelta(t, 1e-9, v.Value, 1e-21)
	require.NotNil(t, v.Status)
	assert.Equal(t, StatusUnderload, *v.Status)
	require.NotNil(t, v.Range)
	assert.Equal(t, "8uA", v.Range.Name)
	require.NotNil(t, v.Noise)
	assert.Equal(t, "AB", *v.Noise)

	v, err = ParseVariable("ba8000001n,14,9F")
	assert.ErrorIs(t, err, ErrUnknownMetadata)
	assert.Equal(t, VarCurrent, v.ID)
	require.NotNil(t, v.Status)
	assert.Equal(t, StatusUnderload, *v.Status)

	v, err = ParseVariable("ba8000001n;")
	assert.Empty(t, v.ID)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseVariable("ba")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLookupVarType(t *testing.T) {
	vt, ok := LookupVarType(VarCurrent)
	require.True(t, ok)
	assert.Equal(t, "A", vt.Unit)

	_, ok = LookupVarType("zz")
	assert.False(t, ok)
}
