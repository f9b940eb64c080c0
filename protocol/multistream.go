package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// multistream-select negotiation, reconstructed passively from both
// directions. The protocol is line oriented: varint length-prefixed UTF-8
// names terminated by '\n', with the simultaneous-connect extension layered
// on top. Each direction settles on a name independently; once a direction
// has settled, everything after the last token is payload of the agreed
// protocol.

type selectOutput struct {
	tokens []string
	err    error

	agreed     bool
	agreedName string
	agreedData []byte
}

type selectState struct {
	incoming selectDir
	outgoing selectDir
}

type selectDir struct {
	acc                 []byte
	simultaneousConnect bool
	done                string
	doneSet             bool
}

// poll feeds captured bytes of one direction through the negotiation.
func (s *selectState) poll(incoming bool, data []byte) selectOutput {
	this, other := &s.outgoing, &s.incoming
	if incoming {
		this, other = &s.incoming, &s.outgoing
	}

	var out selectOutput
	if this.doneSet {
		out.agreed = true
		out.agreedName = this.done
		out.agreedData = this.end(data)
		return out
	}
	this.acc = append(this.acc, data...)

	for {
		token, marker, ok, err := this.next()
		if err != nil {
			out.err = err
			break
		}
		if !ok {
			break
		}
		out.tokens = append(out.tokens, token)
		if marker {
			// initiator/responder role markers never select a protocol
			continue
		}
		switch {
		case strings.HasPrefix(token, "/multistream/"):
		case strings.HasPrefix(token, "/libp2p/simultaneous-connect"):
			this.simultaneousConnect = true
			if other.simultaneousConnect {
				other.doneSet = false
				other.done = ""
			}
		case token == "na":
			if other.simultaneousConnect {
				other.simultaneousConnect = false
			} else {
				other.doneSet = false
				other.done = ""
			}
		case strings.HasPrefix(token, "select"):
			this.simultaneousConnect = false
		default:
			if !(this.simultaneousConnect && other.simultaneousConnect) {
				this.done = token
				this.doneSet = true
				return out
			}
		}
	}

	return out
}

// end drains the accumulator plus fresh payload once the direction settled.
func (d *selectDir) end(data []byte) []byte {
	if len(d.acc) == 0 {
		return data
	}
	out := append(d.acc, data...)
	d.acc = nil
	return out
}

var initiatorToken = []byte("\ninitiator\n")
var responderToken = []byte("\nresponder\n")

// next pops one token from the accumulator. marker is set for the
// simultaneous-connect role markers; ok is false when more bytes are
// needed.
func (d *selectDir) next() (token string, marker, ok bool, err error) {
	if bytes.HasPrefix(d.acc, initiatorToken) {
		d.acc = d.acc[len(initiatorToken):]
		return "initiator", true, true, nil
	}
	if bytes.HasPrefix(d.acc, responderToken) {
		d.acc = d.acc[len(responderToken):]
		return "responder", true, true, nil
	}
	length, n := binary.Uvarint(d.acc)
	if n <= 0 {
		return "", false, false, nil
	}
	if length > 1024 {
		return "", false, false, fmt.Errorf("implausible token length %d", length)
	}
	if uint64(len(d.acc)-n) < length {
		return "", false, false, nil
	}
	msg := d.acc[n : n+int(length)]
	if !utf8.Valid(msg) {
		return "", false, false, fmt.Errorf("token is not utf-8: %x", msg)
	}
	d.acc = d.acc[n+int(length):]
	return strings.TrimRight(string(msg), "\n"), false, true, nil
}
