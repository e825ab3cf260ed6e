package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// State is the workflow's working memory. The runtime treats it as opaque
// apart from the history, errors, and current_node bookkeeping fields; node
// functions read and write whatever domain keys they need.
type State map[string]any

// Well-known state keys maintained by the runtime.
const (
	KeyHistory     = "history"
	KeyErrors      = "errors"
	KeyCurrentNode = "current_node"
)

// AppendHistory records a visited node. History values are stored as []any so
// the shape survives a JSON round trip through checkpoints.
func (s State) AppendHistory(node string) {
	h, _ := s[KeyHistory].([]any)
	s[KeyHistory] = append(h, node)
}

// AddError records an execution error without aborting the state.
func (s State) AddError(msg string) {
	e, _ := s[KeyErrors].([]any)
	s[KeyErrors] = append(e, msg)
}

// History returns the visited node names.
func (s State) History() []string {
	h, _ := s[KeyHistory].([]any)
	out := make([]string, 0, len(h))
	for _, v := range h {
		if name, ok := v.(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// Errors returns the accumulated error messages.
func (s State) Errors() []string {
	e, _ := s[KeyErrors].([]any)
	out := make([]string, 0, len(e))
	for _, v := range e {
		if msg, ok := v.(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

// marshalState serializes the state and computes its truncated hash over the
// canonical JSON form, so semantically equal states hash equally regardless
// of map iteration order.
func marshalState(s State) (raw []byte, hash string, err error) {
	raw, err = json.Marshal(s)
	if err != nil {
		return nil, "", errs.Wrap(errs.Internal, err, "workflow: marshal state")
	}
	hash, err = hashStateJSON(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, hash, nil
}

// hashStateJSON hashes a serialized state blob: SHA-256 over the canonical
// form, hex, truncated to 16 characters.
func hashStateJSON(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "workflow: canonicalize state")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}
