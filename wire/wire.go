// Package wire implements the symmetric binary encoding used between a
// running job and the communication server: a single (msg_type_idx,
// payload) tuple per UDP datagram, gob-encoded and framed with a 4-byte
// big-endian length prefix. Senders and receivers must agree on this one
// stable encoding; the payload shapes below are the whole contract.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
)

// MessageType identifies one of the seven recognized datagram shapes.
type MessageType uint8

const (
	JobStarted            MessageType = 0
	ErrorEncountered      MessageType = 1
	JobSentResults        MessageType = 2
	JobConcluded          MessageType = 3
	ExitForResume         MessageType = 4
	JobProgressPercentage MessageType = 5
	MetricEarlyReport     MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case JobStarted:
		return "JOB_STARTED"
	case ErrorEncountered:
		return "ERROR_ENCOUNTERED"
	case JobSentResults:
		return "JOB_SENT_RESULTS"
	case JobConcluded:
		return "JOB_CONCLUDED"
	case ExitForResume:
		return "EXIT_FOR_RESUME"
	case JobProgressPercentage:
		return "JOB_PROGRESS_PERCENTAGE"
	case MetricEarlyReport:
		return "METRIC_EARLY_REPORT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Payload shapes, one per MessageType. Kept as distinct gob-registered types
// rather than a single "any" envelope so a malformed or truncated datagram
// fails to decode instead of silently producing zero values.
type JobStartedPayload struct {
	JobID    int
	Hostname string
}

type ErrorEncounteredPayload struct {
	JobID int
	Lines []string
}

type JobSentResultsPayload struct {
	JobID   int
	Metrics map[string]float64
}

type JobConcludedPayload struct {
	JobID int
}

type ExitForResumePayload struct {
	JobID int
}

type JobProgressPercentagePayload struct {
	JobID    int
	Fraction float64
}

type MetricEarlyReportPayload struct {
	JobID   int
	Metrics map[string]float64
}

// Envelope is the wire tuple (msg_type_idx, payload). Payload is always one
// of the concrete *Payload types above; Decode type-switches on MsgType to
// pick the right destination before gob-decoding the inner bytes, since gob
// cannot decode into an interface without knowing the concrete type ahead
// of time.
type Envelope struct {
	MsgType MessageType
	Payload []byte
}

// Encode produces a length-prefixed datagram body: a 4-byte big-endian
// length followed by a gob-encoded Envelope. The length prefix lets a
// future stream-oriented transport reuse the same framing even though UDP
// datagrams are already message-delimited. payload must be the concrete
// *Payload struct matching msgType (e.g. JobStartedPayload for JobStarted).
func Encode(msgType MessageType, payload any) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(payload); err != nil {
		return nil, errors.Wrapf(err, "encode payload for %s", msgType)
	}

	var envBuf bytes.Buffer
	env := Envelope{MsgType: msgType, Payload: payloadBuf.Bytes()}
	if err := gob.NewEncoder(&envBuf).Encode(&env); err != nil {
		return nil, errors.Wrapf(err, "encode envelope for %s", msgType)
	}

	out := make([]byte, 4+envBuf.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(envBuf.Len()))
	copy(out[4:], envBuf.Bytes())
	return out, nil
}

// Decode strips the length prefix (if present and self-consistent; a raw
// UDP datagram already tells us its own length, so the prefix is validated
// rather than relied upon) and decodes the envelope, then the inner
// payload into the type matching MsgType.
func Decode(data []byte) (MessageType, any, error) {
	body := data
	if len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		if int(n) == len(data)-4 {
			body = data[4:]
		}
	}

	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return 0, nil, errors.Wrap(err, "decode envelope")
	}

	dst, err := zeroPayloadFor(env.MsgType)
	if err != nil {
		return env.MsgType, nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(dst); err != nil {
		return env.MsgType, nil, errors.Wrapf(err, "decode payload for %s", env.MsgType)
	}
	return env.MsgType, dst, nil
}

func zeroPayloadFor(t MessageType) (any, error) {
	switch t {
	case JobStarted:
		return &JobStartedPayload{}, nil
	case ErrorEncountered:
		return &ErrorEncounteredPayload{}, nil
	case JobSentResults:
		return &JobSentResultsPayload{}, nil
	case JobConcluded:
		return &JobConcludedPayload{}, nil
	case ExitForResume:
		return &ExitForResumePayload{}, nil
	case JobProgressPercentage:
		return &JobProgressPercentagePayload{}, nil
	case MetricEarlyReport:
		return &MetricEarlyReportPayload{}, nil
	default:
		return nil, errors.Errorf("unrecognized message type %d", uint8(t))
	}
}
