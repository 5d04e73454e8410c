package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformPhone(t *testing.T) {
	cases := []struct {
		in      string
		want    any
		wantErr bool
	}{
		{in: "5558675309", want: "(555) 867-5309"},
		{in: "(555) 867-5309", want: "(555) 867-5309"},
		{in: "15558675309", want: "(555) 867-5309"},
		{in: "+1 555 867 5309", want: "(555) 867-5309"},
		{in: "", want: nil},
		{in: "123", wantErr: true},
		{in: "25558675309", wantErr: true}, // 11 digits, no leading 1
	}
	for _, tc := range cases {
		got, err := transformPhone(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestTransformDate(t *testing.T) {
	cases := []struct {
		in      string
		want    any
		wantErr bool
	}{
		{in: "2024-03-05", want: "2024-03-05"},
		{in: "03/05/2024", want: "2024-03-05"},
		{in: "3/5/2024", want: "2024-03-05"},
		{in: "2024-03-05T10:11:12.000Z", want: "2024-03-05"},
		{in: "  ", want: nil},
		{in: "yesterday", wantErr: true},
	}
	for _, tc := range cases {
		got, err := transformDate(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestTransformDatetime(t *testing.T) {
	got, err := transformDatetime("2024-03-05T10:11:12.000+0500")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T05:11:12Z", got)
}

func TestTransformSemicolonList(t *testing.T) {
	got, err := transformSemicolonList("English; Spanish ;;French")
	require.NoError(t, err)
	assert.Equal(t, []string{"English", "Spanish", "French"}, got)

	got, err = transformSemicolonList(" ; ")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnumTransforms(t *testing.T) {
	cases := []struct {
		transform string
		in        string
		want      any
	}{
		{"race_ethnicity", "Black", "Black or African American"},
		{"race_ethnicity", "self-identified as Latinx", "Hispanic or Latino"},
		{"race_ethnicity", "unknown thing", nil},
		{"education_level", "Bachelor of Science", "Bachelor's Degree"},
		{"age_group", "18 to 24", "18-24"},
		{"organization_type", "501(c)(3)", "Nonprofit"},
		{"organization_type", "something else entirely", "Other"},
		{"event_format", "Zoom call", "Virtual"},
		{"event_format", "who knows", "In-Person"},
		{"session_status", "canceled", "Cancelled"},
		{"cancellation_reason", "heavy snow", "Weather"},
	}
	for _, tc := range cases {
		fn, ok := ResolveTransform(tc.transform)
		require.True(t, ok, tc.transform)
		got, err := fn(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s(%q)", tc.transform, tc.in)
	}
}

func TestResolveTransform_Unknown(t *testing.T) {
	_, ok := ResolveTransform("nope")
	assert.False(t, ok)
}
