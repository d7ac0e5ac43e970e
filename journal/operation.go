package journal

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.gazette.dev/fsjournal/framing"
)

// Operation is a single step of a commit script. Exactly one field is set.
// The zeroth Operation of every script is a Message.
type Operation struct {
	Message *MessageOp `cbor:"message,omitempty"`
	Unlink  *PathOp    `cbor:"unlink,omitempty"`
	Rmdir   *PathOp    `cbor:"rmdir,omitempty"`
	Mkdir   *MkdirOp   `cbor:"mkdir,omitempty"`
	Rename  *RenameOp  `cbor:"rename,omitempty"`

	// Write is composed by WriteFile. It's never persisted: Prepare stages
	// its content and replaces it with a Rename from the staging area.
	Write *WriteOp `cbor:"-"`
}

// MessageOp carries the transaction's accumulated messages. Prior is the
// file name of a complete commit of a preceding transaction, which is
// removed when the MessageOp is applied.
type MessageOp struct {
	Messages [][]byte `cbor:"messages"`
	Prior    string   `cbor:"prior,omitempty"`
}

// PathOp names a single relative path.
type PathOp struct {
	Path string `cbor:"path"`
}

// MkdirOp creates a directory.
type MkdirOp struct {
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
}

// RenameOp moves From to To. If Dir, the renamed path is expected to be a
// directory. Otherwise it's a file having content checksum Sum, which is
// captured by Prepare.
type RenameOp struct {
	From string `cbor:"from"`
	To   string `cbor:"to"`
	Dir  bool   `cbor:"dir,omitempty"`
	Sum  uint64 `cbor:"sum,omitempty"`
}

// WriteOp emplaces a file with Content at Path.
type WriteOp struct {
	Path      string
	Mode      os.FileMode
	Overwrite bool
	Content   []byte
}

// Kind returns a short name of the Operation type.
func (op Operation) Kind() string {
	switch {
	case op.Message != nil:
		return "message"
	case op.Unlink != nil:
		return "unlink"
	case op.Rmdir != nil:
		return "rmdir"
	case op.Mkdir != nil:
		return "mkdir"
	case op.Rename != nil:
		return "rename"
	case op.Write != nil:
		return "write"
	default:
		return "invalid"
	}
}

// String returns a compact, human-readable representation of the Operation.
func (op Operation) String() string {
	switch {
	case op.Message != nil:
		if op.Message.Prior != "" {
			return fmt.Sprintf("message(%d, prior: %s)", len(op.Message.Messages), op.Message.Prior)
		}
		return fmt.Sprintf("message(%d)", len(op.Message.Messages))
	case op.Unlink != nil:
		return fmt.Sprintf("unlink(%s)", op.Unlink.Path)
	case op.Rmdir != nil:
		return fmt.Sprintf("rmdir(%s)", op.Rmdir.Path)
	case op.Mkdir != nil:
		return fmt.Sprintf("mkdir(%s, %#o)", op.Mkdir.Path, op.Mkdir.Mode)
	case op.Rename != nil && op.Rename.Dir:
		return fmt.Sprintf("rename(%s, %s, dir)", op.Rename.From, op.Rename.To)
	case op.Rename != nil:
		return fmt.Sprintf("rename(%s, %s, %016x)", op.Rename.From, op.Rename.To, op.Rename.Sum)
	case op.Write != nil:
		return fmt.Sprintf("write(%s, %d bytes)", op.Write.Path, len(op.Write.Content))
	default:
		return "invalid"
	}
}

// validate that exactly one persisted field of the Operation is set.
func (op Operation) validate() error {
	var n int
	for _, set := range []bool{op.Message != nil, op.Unlink != nil, op.Rmdir != nil,
		op.Mkdir != nil, op.Rename != nil, op.Write != nil} {
		if set {
			n++
		}
	}
	if n != 1 || op.Write != nil {
		return errors.Errorf("expected exactly one persisted operation: %s", op)
	}
	return nil
}

// encodeScript encodes |script| into a checksummed buffer.
func encodeScript(script []Operation, hash framing.HashFunc) ([]byte, uint64, error) {
	var records = make([][]byte, 0, len(script))

	for _, op := range script {
		if err := op.validate(); err != nil {
			return nil, 0, err
		} else if b, err := encMode.Marshal(op); err != nil {
			return nil, 0, err
		} else {
			records = append(records, b)
		}
	}
	var b, sum = framing.Encode(records, hash)
	return b, sum, nil
}

// decodeScript verifies the checksum of |b| and decodes its script.
func decodeScript(b []byte, hash framing.HashFunc) ([]Operation, uint64, error) {
	var records, sum, err = framing.Decode(b, hash)
	if err != nil {
		return nil, 0, err
	}
	var script = make([]Operation, len(records))

	for i, r := range records {
		if err = decMode.Unmarshal(r, &script[i]); err != nil {
			return nil, 0, extendErr(err, "decoding step %d", i)
		} else if err = script[i].validate(); err != nil {
			return nil, 0, extendErr(ErrMalformedCommit, "step %d: %s", i, err)
		}
	}
	if len(script) == 0 || script[0].Message == nil {
		return nil, 0, extendErr(ErrMalformedCommit, "script must begin with a message")
	}
	return script, sum, nil
}

var (
	// encMode is configured with Core Deterministic Encoding: the same script
	// always produces identical bytes, and therefore an identical checksum.
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}
