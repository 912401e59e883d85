package ack

import (
	"bytes"
	"encoding/csv"
	"time"
)

// Header is the first row of every acknowledgment report.
var Header = []string{
	"MESSAGE_HEADER_ID",
	"HEADER_RESPONSE_CODE",
	"ISSUE_SEVERITY",
	"ISSUE_CODE",
	"RESPONSE_TYPE",
	"RESPONSE_CODE",
	"RESPONSE_DISPLAY",
	"RECEIVED_TIME",
	"MAILBOX_FROM",
	"LOCAL_ID",
	"MESSAGE_DELIVERY",
}

type Phase string

const (
	PhaseProvisional Phase = "provisional"
	PhaseTerminal    Phase = "terminal"
)

const (
	responseTypeBusiness = "Business"

	codeOK            = "OK"
	severityInfo      = "Information"
	responseCodeOK    = "20013"
	displaySuccess    = "Success"
	displayAccepted   = "Accepted for processing"
	codeFatal         = "Fatal Error"
	severityFatal     = "Fatal"
	responseCodeFatal = "30002"

	receivedTimeLayout = "20060102T150405"
)

// Line is one row of an acknowledgment report. MessageID identifies the
// row across the provisional and terminal phases.
type Line struct {
	MessageID          string
	Row                int
	Phase              Phase
	HeaderResponseCode string
	IssueSeverity      string
	IssueCode          string
	ResponseType       string
	ResponseCode       string
	ResponseDisplay    string
	ReceivedTime       time.Time
	MailboxFrom        string
	LocalID            string
	Delivered          bool
}

// Provisional is written when a row was handed to the registry forwarder.
func Provisional(messageID string, row int, localID string, received time.Time) Line {
	return Line{
		MessageID:          messageID,
		Row:                row,
		Phase:              PhaseProvisional,
		HeaderResponseCode: codeOK,
		IssueSeverity:      severityInfo,
		IssueCode:          codeOK,
		ResponseType:       responseTypeBusiness,
		ResponseCode:       responseCodeOK,
		ResponseDisplay:    displayAccepted,
		ReceivedTime:       received,
		LocalID:            localID,
		Delivered:          true,
	}
}

// Success is the terminal line for a row the registry accepted.
func Success(messageID string, row int, localID string, received time.Time) Line {
	l := Provisional(messageID, row, localID, received)
	l.Phase = PhaseTerminal
	l.ResponseDisplay = displaySuccess
	return l
}

// Fatal is the terminal line for a row that failed anywhere in the
// pipeline. delivered reports whether the row reached the registry
// forwarder.
func Fatal(messageID string, row int, localID string, received time.Time, diagnostic string, delivered bool) Line {
	return Line{
		MessageID:          messageID,
		Row:                row,
		Phase:              PhaseTerminal,
		HeaderResponseCode: codeFatal,
		IssueSeverity:      severityFatal,
		IssueCode:          codeFatal,
		ResponseType:       responseTypeBusiness,
		ResponseCode:       responseCodeFatal,
		ResponseDisplay:    diagnostic,
		ReceivedTime:       received,
		LocalID:            localID,
		Delivered:          delivered,
	}
}

// Render writes the report for lines, which must already be in row order.
func Render(lines []Line) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, l := range lines {
		if err := w.Write(l.fields()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (l Line) fields() []string {
	received := ""
	if !l.ReceivedTime.IsZero() {
		received = l.ReceivedTime.UTC().Format(receivedTimeLayout)
	}
	return []string{
		l.MessageID,
		l.HeaderResponseCode,
		l.IssueSeverity,
		l.IssueCode,
		l.ResponseType,
		l.ResponseCode,
		l.ResponseDisplay,
		received,
		l.MailboxFrom,
		l.LocalID,
		formatDelivery(l.Delivered),
	}
}

func formatDelivery(delivered bool) string {
	if delivered {
		return "True"
	}
	return "False"
}

// supersedes reports whether next may replace current: a terminal line
// replaces a provisional one, nothing replaces a terminal line.
func supersedes(current, next Line) bool {
	return current.Phase == PhaseProvisional && next.Phase == PhaseTerminal
}
