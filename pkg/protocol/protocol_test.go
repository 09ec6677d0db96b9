package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/ocrfleet/pkg/apperror"
)

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		NewTask{JobID: "job-1", InputLocator: "input.txt", ItemsPerWorker: 2, Terminate: false},
		NewTask{JobID: "job-2", InputLocator: "", ItemsPerWorker: 1, Terminate: true},
		DoneTask{},
		Terminated{},
		NewImageTask{JobID: "job-1", Payload: "http://example.com/a.png"},
		DoneOCRTask{JobID: "job-1", Payload: "http://example.com/a.png", Text: "hello\nworld"},
		DoneOCRTask{JobID: "job-1", Payload: "http://example.com/b.png", Text: ""},
		TaskFail{Reason: "queue unreachable"},
	}

	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			wire, err := Encode(m)
			require.NoError(t, err)

			got, err := Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestEncode_WireForm(t *testing.T) {
	assert.Equal(t, "new_task|||j|||in.txt|||3|||true",
		MustEncode(NewTask{JobID: "j", InputLocator: "in.txt", ItemsPerWorker: 3, Terminate: true}))
	assert.Equal(t, "done_task", MustEncode(DoneTask{}))
	assert.Equal(t, "new_image_task|||j|||u", MustEncode(NewImageTask{JobID: "j", Payload: "u"}))
}

func TestEncode_RejectsDelimiter(t *testing.T) {
	_, err := Encode(DoneOCRTask{JobID: "j", Payload: "u", Text: "a|||b"})
	assert.ErrorIs(t, err, ErrDelimiterInField)

	_, err = Encode(TaskFail{Reason: "|||"})
	assert.ErrorIs(t, err, ErrDelimiterInField)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"unknown kind", "launch_rockets|||now"},
		{"new_task too few", "new_task|||j|||in|||2"},
		{"new_task too many", "new_task|||j|||in|||2|||false|||x"},
		{"new_task bad int", "new_task|||j|||in|||two|||false"},
		{"new_task zero per worker", "new_task|||j|||in|||0|||false"},
		{"new_task negative per worker", "new_task|||j|||in|||-3|||false"},
		{"new_task bad bool", "new_task|||j|||in|||2|||maybe"},
		{"new_task empty job", "new_task||||||in|||2|||false"},
		{"done_task with field", "done_task|||extra"},
		{"done_ocr_task missing text", "done_ocr_task|||j|||u"},
		{"done_ocr_task delimiter in text", "done_ocr_task|||j|||u|||a|||b"},
		{"new_image_task empty job", "new_image_task||||||u"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.body)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.Equal(t, apperror.CodeMalformedMessage, apperror.CodeOf(err))
		})
	}
}

func TestDecode_BoolCaseInsensitive(t *testing.T) {
	m, err := Decode("new_task|||j|||in|||5|||TRUE")
	require.NoError(t, err)
	assert.True(t, m.(NewTask).Terminate)
}

func TestScrub(t *testing.T) {
	tests := map[string]string{
		"plain":    "plain",
		"a|||b":    "a|b",
		"||||":     "||",
		"|||||":    "|",
		"x||||||y": "x||y",
		"a|b||c":   "a|b||c",
		"":         "",
	}
	for in, want := range tests {
		got := Scrub(in)
		assert.Equal(t, want, got, "Scrub(%q)", in)
		assert.NotContains(t, got, Delimiter)
	}
}

func TestResultSummary(t *testing.T) {
	assert.Equal(t, "http://x/a.png|||text", ResultSummary("http://x/a.png", "text"))
}
