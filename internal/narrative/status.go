package narrative

import (
	"fmt"
	"log/slog"
	"strings"
)

// StatusKind tags the generation pipeline's progress report. The wire format
// stays the literal-prefix string the pipeline writes into the status marker;
// parsing converts it to a tagged variant at the boundary.
type StatusKind int

const (
	StatusStart       StatusKind = iota // not begun (or marker absent)
	StatusTextFail                      // text generation failed, terminal
	StatusTextSuccess                   // text done, other assets pending
	StatusEnd                           // generation complete, FinalID set
)

func (k StatusKind) String() string {
	switch k {
	case StatusStart:
		return "start"
	case StatusTextFail:
		return "text_fail"
	case StatusTextSuccess:
		return "text_success"
	case StatusEnd:
		return "end"
	}
	return fmt.Sprintf("status(%d)", int(k))
}

// Status is one parsed generation status report.
type Status struct {
	Kind    StatusKind
	Detail  string // payload after text_success:
	FinalID string // payload after end:
}

// ParseStatus decodes a raw status marker. An absent marker is passed in as
// the empty string and reads as start. An unrecognized literal is logged and
// also reads as start, so a garbled marker keeps the client polling instead
// of failing it. An end report without a final id is a hard error.
func ParseStatus(raw string) (Status, error) {
	switch {
	case raw == "" || raw == "start":
		return Status{Kind: StatusStart}, nil
	case strings.HasPrefix(raw, "text_fail"):
		return Status{Kind: StatusTextFail}, nil
	case strings.HasPrefix(raw, "text_success"):
		detail := strings.TrimPrefix(raw, "text_success")
		detail = strings.TrimPrefix(detail, ":")
		return Status{Kind: StatusTextSuccess, Detail: detail}, nil
	case strings.HasPrefix(raw, "end"):
		id := strings.TrimPrefix(raw, "end")
		id = strings.TrimPrefix(id, ":")
		if id == "" {
			return Status{}, fmt.Errorf("end status without final id: %q", raw)
		}
		return Status{Kind: StatusEnd, FinalID: id}, nil
	default:
		slog.Warn("unexpected generation status, treating as start", "raw", raw)
		return Status{Kind: StatusStart}, nil
	}
}

// Wire renders the status back into the literal-prefix format the pipeline
// understands.
func (s Status) Wire() string {
	switch s.Kind {
	case StatusTextFail:
		return "text_fail"
	case StatusTextSuccess:
		if s.Detail != "" {
			return "text_success:" + s.Detail
		}
		return "text_success"
	case StatusEnd:
		return "end:" + s.FinalID
	default:
		return "start"
	}
}
