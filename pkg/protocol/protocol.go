// Package protocol implements the flat delimited wire format exchanged between
// submitters, the coordinator and OCR workers.
//
// A message is its kind tag followed by the kind's fields, joined by Delimiter:
//
//	new_task|||<jobId>|||<inputLocator>|||<itemsPerWorker>|||<terminate>
//	done_task
//	terminated
//	new_image_task|||<jobId>|||<itemPayload>
//	done_ocr_task|||<jobId>|||<itemPayload>|||<resultText>
//	task_fail|||<errorText>
//
// No field may contain Delimiter. Encode enforces that; producers of free text
// should pass it through Scrub first.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emergent-company/ocrfleet/pkg/apperror"
)

// Delimiter separates fields on the wire.
const Delimiter = "|||"

// Kind is the tag that leads every encoded message.
type Kind string

const (
	KindNewTask      Kind = "new_task"
	KindDoneTask     Kind = "done_task"
	KindTerminated   Kind = "terminated"
	KindNewImageTask Kind = "new_image_task"
	KindDoneOCRTask  Kind = "done_ocr_task"
	KindTaskFail     Kind = "task_fail"
)

var (
	// ErrMalformedMessage is returned by Decode for anything it cannot parse.
	ErrMalformedMessage = apperror.ErrMalformedMessage
	// ErrDelimiterInField is returned by Encode when a field would corrupt framing.
	ErrDelimiterInField = errors.New("field contains message delimiter")
)

// Message is implemented by every typed message.
type Message interface {
	Kind() Kind
	fields() []string
}

// NewTask is a job submission from a client.
type NewTask struct {
	JobID          string
	InputLocator   string
	ItemsPerWorker int
	Terminate      bool
}

// DoneTask tells a submitter that every item of its job has a stored result.
type DoneTask struct{}

// Terminated tells a submitter that its job was not (and will not be) processed.
type Terminated struct{}

// NewImageTask is one work item handed to a worker.
type NewImageTask struct {
	JobID   string
	Payload string
}

// DoneOCRTask is a worker's result for one item.
type DoneOCRTask struct {
	JobID   string
	Payload string
	Text    string
}

// TaskFail reports a worker-side failure that is not tied to an item.
type TaskFail struct {
	Reason string
}

func (NewTask) Kind() Kind      { return KindNewTask }
func (DoneTask) Kind() Kind     { return KindDoneTask }
func (Terminated) Kind() Kind   { return KindTerminated }
func (NewImageTask) Kind() Kind { return KindNewImageTask }
func (DoneOCRTask) Kind() Kind  { return KindDoneOCRTask }
func (TaskFail) Kind() Kind     { return KindTaskFail }

func (m NewTask) fields() []string {
	return []string{m.JobID, m.InputLocator, strconv.Itoa(m.ItemsPerWorker), strconv.FormatBool(m.Terminate)}
}
func (DoneTask) fields() []string       { return nil }
func (Terminated) fields() []string     { return nil }
func (m NewImageTask) fields() []string { return []string{m.JobID, m.Payload} }
func (m DoneOCRTask) fields() []string  { return []string{m.JobID, m.Payload, m.Text} }
func (m TaskFail) fields() []string     { return []string{m.Reason} }

// Encode renders m in wire form.
func Encode(m Message) (string, error) {
	fields := m.fields()
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, string(m.Kind()))
	for i, f := range fields {
		if strings.Contains(f, Delimiter) {
			return "", fmt.Errorf("%w: %s field %d", ErrDelimiterInField, m.Kind(), i+1)
		}
		parts = append(parts, f)
	}
	return strings.Join(parts, Delimiter), nil
}

// MustEncode is Encode for messages built from trusted constants.
func MustEncode(m Message) string {
	s, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return s
}

// arity is the number of fields following the tag.
var arity = map[Kind]int{
	KindNewTask:      4,
	KindDoneTask:     0,
	KindTerminated:   0,
	KindNewImageTask: 2,
	KindDoneOCRTask:  3,
	KindTaskFail:     1,
}

// Decode parses a wire message. Every failure wraps ErrMalformedMessage.
func Decode(body string) (Message, error) {
	parts := strings.Split(body, Delimiter)
	kind := Kind(parts[0])
	want, ok := arity[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, parts[0])
	}
	f := parts[1:]
	if len(f) != want {
		return nil, fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformedMessage, kind, want, len(f))
	}

	switch kind {
	case KindNewTask:
		if f[0] == "" {
			return nil, fmt.Errorf("%w: new_task without job id", ErrMalformedMessage)
		}
		n, err := strconv.Atoi(f[2])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: itemsPerWorker %q", ErrMalformedMessage, f[2])
		}
		term, err := parseBool(f[3])
		if err != nil {
			return nil, err
		}
		return NewTask{JobID: f[0], InputLocator: f[1], ItemsPerWorker: n, Terminate: term}, nil
	case KindDoneTask:
		return DoneTask{}, nil
	case KindTerminated:
		return Terminated{}, nil
	case KindNewImageTask:
		if f[0] == "" {
			return nil, fmt.Errorf("%w: new_image_task without job id", ErrMalformedMessage)
		}
		return NewImageTask{JobID: f[0], Payload: f[1]}, nil
	case KindDoneOCRTask:
		if f[0] == "" {
			return nil, fmt.Errorf("%w: done_ocr_task without job id", ErrMalformedMessage)
		}
		return DoneOCRTask{JobID: f[0], Payload: f[1], Text: f[2]}, nil
	default:
		return TaskFail{Reason: f[0]}, nil
	}
}

func parseBool(s string) (bool, error) {
	switch {
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	return false, fmt.Errorf("%w: terminate flag %q", ErrMalformedMessage, s)
}

// Scrub removes every occurrence of Delimiter from s so it can be encoded.
func Scrub(s string) string {
	for strings.Contains(s, Delimiter) {
		s = strings.ReplaceAll(s, Delimiter, "|")
	}
	return s
}

// ResultSummary is the record stored for one finished item.
func ResultSummary(payload, text string) string {
	return payload + Delimiter + text
}
