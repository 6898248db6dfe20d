package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/opflow/pkg/schema"
)

// CryptoHandlers returns the hashing and id handlers, registered under the
// "crypto" namespace by RegisterBuiltins.
func CryptoHandlers() []Handler {
	return []Handler{
		&cryptoHashHandler{},
		&cryptoHMACHandler{},
		&cryptoUUIDHandler{},
	}
}

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func algorithmOrDefault(a string) string {
	if a == "" {
		return "sha256"
	}
	return a
}

const algorithmProperty = `"algorithm": {"type": "string", "enum": ["sha256", "sha512", "sha384", "md5", "sha1"]}`

// --- crypto.hash ---

type cryptoHashHandler struct{}

func (h *cryptoHashHandler) Type() string { return "hash" }

func (h *cryptoHashHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Compute a hex-encoded hash of data",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {"type": "string"},
    ` + algorithmProperty + `
  }
}`),
	}
}

func (h *cryptoHashHandler) Execute(_ context.Context, call Call) (any, error) {
	var in struct {
		Data      string `json:"data"`
		Algorithm string `json:"algorithm"`
	}
	if err := decodeInput(call.ActionType, call.Input, &in); err != nil {
		return nil, err
	}
	newHash, err := hashFunc(in.Algorithm)
	if err != nil {
		return nil, err
	}

	sum := newHash()
	sum.Write([]byte(in.Data))
	return map[string]any{
		"hash":      hex.EncodeToString(sum.Sum(nil)),
		"algorithm": algorithmOrDefault(in.Algorithm),
	}, nil
}

// --- crypto.hmac ---

type cryptoHMACHandler struct{}

func (h *cryptoHMACHandler) Type() string { return "hmac" }

func (h *cryptoHMACHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Compute a hex-encoded HMAC of data using key",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["data", "key"],
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string"},
    ` + algorithmProperty + `
  }
}`),
	}
}

func (h *cryptoHMACHandler) Execute(_ context.Context, call Call) (any, error) {
	var in struct {
		Data      string `json:"data"`
		Key       string `json:"key"`
		Algorithm string `json:"algorithm"`
	}
	if err := decodeInput(call.ActionType, call.Input, &in); err != nil {
		return nil, err
	}
	newHash, err := hashFunc(in.Algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(in.Key))
	mac.Write([]byte(in.Data))
	return map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithmOrDefault(in.Algorithm),
	}, nil
}

// --- crypto.uuid ---

type cryptoUUIDHandler struct{}

func (h *cryptoUUIDHandler) Type() string { return "uuid" }

func (h *cryptoUUIDHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Generate a v4 UUID"}
}

func (h *cryptoUUIDHandler) Execute(context.Context, Call) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
