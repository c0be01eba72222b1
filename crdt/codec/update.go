package codec

import (
	"bytes"
	"fmt"

	"weft/crdt/oplog"
	"weft/crdt/version"
)

// Update is a delta message: every run the sender knows
// beyond StartVV, plus the sender's frontier at export time.
type Update struct {
	StartVV  version.Vector
	Frontier version.Frontier
	Runs     []*oplog.Run
}

type updateWire struct {
	StartVV  map[uint64]int64 `cbor:"1,keyasint,omitempty"`
	Frontier []wireOpID       `cbor:"2,keyasint,omitempty"`
	Runs     []wireRun        `cbor:"3,keyasint"`
}

// EncodeUpdate serializes all runs the log holds beyond since.
func EncodeUpdate(log *oplog.OpLog, since version.Vector) ([]byte, error) {
	runs := log.RunsSince(since)

	w := updateWire{
		StartVV:  vvToWire(since),
		Frontier: opIDsToWire(log.Frontier()),
		Runs:     make([]wireRun, len(runs)),
	}
	for i, r := range runs {
		w.Runs[i] = runToWire(r)
	}

	body, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding update body: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 5)
	buf.Write(Magic[:])
	buf.WriteByte(byte(FormatUpdate))
	buf.Write(body)
	return buf.Bytes(), nil
}

// DecodeUpdate parses an update message. It validates every run
// structurally but does not check causal completeness; that is the
// importing log's job.
func DecodeUpdate(data []byte) (*Update, error) {
	body, err := checkHeader(data, FormatUpdate)
	if err != nil {
		return nil, err
	}

	var w updateWire
	if err := decMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", oplog.ErrCorruptInput, err)
	}

	startVV, err := vvFromWire(w.StartVV)
	if err != nil {
		return nil, err
	}

	up := &Update{
		StartVV:  startVV,
		Frontier: version.Frontier(opIDsFromWire(w.Frontier)),
		Runs:     make([]*oplog.Run, len(w.Runs)),
	}
	for i, wr := range w.Runs {
		r, err := runFromWire(wr)
		if err != nil {
			return nil, err
		}
		up.Runs[i] = r
	}

	return up, nil
}

func checkHeader(data []byte, want Format) ([]byte, error) {
	f, body, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	if f != want {
		return nil, fmt.Errorf("%w: expected format %d, got %d", oplog.ErrCorruptInput, want, f)
	}
	return body, nil
}

func splitHeader(data []byte) (Format, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("%w: message shorter than header", oplog.ErrCorruptInput)
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return 0, nil, fmt.Errorf("%w: bad magic", oplog.ErrCorruptInput)
	}
	f := Format(data[4])
	if f != FormatUpdate && f != FormatSnapshot {
		return 0, nil, fmt.Errorf("%w: unknown format %d", oplog.ErrCorruptInput, f)
	}
	return f, data[5:], nil
}

// Sniff reports the format of an encoded message without parsing its body.
func Sniff(data []byte) (Format, error) {
	f, _, err := splitHeader(data)
	return f, err
}
