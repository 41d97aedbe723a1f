package postgres

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wolfeidau/wadispatch/internal/store"
)

const taskTokenVersion = "v1"

// taskToken identifies one claim on a job. The receipt handle changes on
// every dequeue, so a token from an earlier claim no longer matches the row.
type taskToken struct {
	JobID         string
	Queue         string
	ReceiptHandle string
}

// tokenSigner encodes task tokens as
// base64url(v1|job_id|queue|receipt_handle|hmac_sha256) so consumers cannot
// forge a claim on a job they were not handed.
type tokenSigner struct {
	secret []byte
}

func (s tokenSigner) sign(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (s tokenSigner) encode(tt taskToken) string {
	payload := strings.Join([]string{taskTokenVersion, tt.JobID, tt.Queue, tt.ReceiptHandle}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + s.sign(payload)))
}

func (s tokenSigner) decode(token string) (*taskToken, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", store.ErrInvalidTaskToken)
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding: %v", store.ErrInvalidTaskToken, err)
	}

	parts := strings.Split(string(data), "|")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 parts, got %d", store.ErrInvalidTaskToken, len(parts))
	}
	if parts[0] != taskTokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %s", store.ErrInvalidTaskToken, parts[0])
	}

	tt := &taskToken{JobID: parts[1], Queue: parts[2], ReceiptHandle: parts[3]}
	if tt.JobID == "" || tt.Queue == "" || tt.ReceiptHandle == "" {
		return nil, fmt.Errorf("%w: empty component in token", store.ErrInvalidTaskToken)
	}

	payload := strings.Join(parts[:4], "|")
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[4])) {
		return nil, fmt.Errorf("%w: invalid signature", store.ErrInvalidTaskToken)
	}

	return tt, nil
}
