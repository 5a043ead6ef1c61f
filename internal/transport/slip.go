package transport

// SLIP byte constants shared by all bridge transports.
const (
	slipEnd       = 0xC0
	slipEsc       = 0xDB
	slipEscEnd    = 0xDC
	slipEscEscape = 0xDD
)

// slipEncode wraps payload in frame delimiters and escapes any delimiter
// or escape bytes it contains.
func slipEncode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, slipEnd)
	for _, b := range payload {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEscape)
		default:
			out = append(out, b)
		}
	}
	out = append(out, slipEnd)

	return out
}

// slipDecoder is an incremental SLIP stream decoder. It resynchronizes
// on the next frame delimiter after any violation.
type slipDecoder struct {
	frame   []byte
	escaped bool
	invalid bool
}

type slipEventKind int

const (
	slipFrame slipEventKind = iota
	slipFramingViolation
	slipEscapeViolation
)

type slipEvent struct {
	kind  slipEventKind
	frame []byte
}

// feed consumes raw stream bytes and returns the decode events they
// complete. Empty frames (back-to-back delimiters) produce nothing.
func (d *slipDecoder) feed(data []byte) []slipEvent {
	var out []slipEvent
	for _, b := range data {
		if b == slipEnd {
			out = append(out, d.finishFrame()...)
			continue
		}

		if d.invalid {
			continue
		}

		if d.escaped {
			d.escaped = false
			switch b {
			case slipEscEnd:
				d.frame = append(d.frame, slipEnd)
			case slipEscEscape:
				d.frame = append(d.frame, slipEsc)
			default:
				d.invalid = true
				out = append(out, slipEvent{kind: slipEscapeViolation})
			}
			continue
		}

		if b == slipEsc {
			d.escaped = true
			continue
		}
		d.frame = append(d.frame, b)
	}

	return out
}

func (d *slipDecoder) finishFrame() []slipEvent {
	frame := d.frame
	escaped := d.escaped
	invalid := d.invalid
	d.frame = nil
	d.escaped = false
	d.invalid = false

	if invalid {
		// Violation already reported when it was detected.
		return nil
	}
	if escaped {
		// Delimiter arrived mid escape sequence.
		return []slipEvent{{kind: slipFramingViolation}}
	}
	if len(frame) == 0 {
		return nil
	}

	return []slipEvent{{kind: slipFrame, frame: frame}}
}
