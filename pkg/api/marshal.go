package api

import "encoding/json"

// marshalAny re-encodes a JSON-decoded interface{} back to bytes so it
// can be handed to pkg/pipeline, which takes raw JSON rather than an
// already-parsed tree (it needs the raw bytes for the C2 gate's
// byte-level checks and C9's exception-message byte scan).
func marshalAny(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
