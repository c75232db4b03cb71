package bridge

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bft-labs/crashship/internal/domain"
)

// SchemaVersion is the major version of the wrapper payload envelope.
// Payloads with a different major version are rejected.
const SchemaVersion = 1

type envelope struct {
	Version int                      `msgpack:"v"`
	Minor   int                      `msgpack:"m,omitempty"`
	Exc     *domain.WrapperException `msgpack:"exc,omitempty"`
	Data    []byte                   `msgpack:"data,omitempty"`
}

// Encode serializes a wrapper exception.
func Encode(exc domain.WrapperException) ([]byte, error) {
	return encodeEnvelope(&exc, nil)
}

func encodeEnvelope(exc *domain.WrapperException, data []byte) ([]byte, error) {
	b, err := msgpack.Marshal(envelope{Version: SchemaVersion, Exc: exc, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode wrapper payload: %w", err)
	}
	return b, nil
}

// Decode parses a payload written by Encode.
func Decode(b []byte) (domain.WrapperException, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return domain.WrapperException{}, err
	}
	if env.Exc == nil {
		return domain.WrapperException{}, fmt.Errorf("%w: wrapper payload holds no exception", domain.ErrCorruptRecord)
	}
	return *env.Exc, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: wrapper payload: %v", domain.ErrCorruptRecord, err)
	}
	if env.Version != SchemaVersion {
		return envelope{}, fmt.Errorf("%w: unsupported wrapper schema version %d", domain.ErrCorruptRecord, env.Version)
	}
	return env, nil
}
