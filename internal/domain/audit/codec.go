package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/deid/internal/platform/hipaa"
)

// codec turns records into stored payloads, sealing them when a keyring is
// configured. Plain payloads stay readable after encryption is turned on.
type codec struct {
	keyring *hipaa.Keyring
}

func (c codec) encode(r Record, aad string) (string, error) {
	r.LegalHold = false
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}
	if c.keyring == nil {
		return string(b), nil
	}
	sealed, err := c.keyring.Seal(string(b), []byte(aad))
	if err != nil {
		return "", fmt.Errorf("seal audit record: %w", err)
	}
	return sealed, nil
}

func (c codec) decode(payload, aad string) (Record, error) {
	if hipaa.IsSealed(payload) {
		if c.keyring == nil {
			return Record{}, errors.New("audit record is sealed but no encryption key is configured")
		}
		plain, err := c.keyring.Open(payload, []byte(aad))
		if err != nil {
			return Record{}, fmt.Errorf("open audit record: %w", err)
		}
		payload = plain
	}
	var r Record
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return Record{}, fmt.Errorf("decode audit record: %w", err)
	}
	return r, nil
}
