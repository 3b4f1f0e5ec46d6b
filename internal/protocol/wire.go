// ABOUTME: Text codec for coordination-room messages
// ABOUTME: trackReq id=<token> botnet=<target> and trackAnswer id=<token>, whitespace delimited

package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrMalformed is returned by Decode for bodies that are not coordination
// messages, and by Encode for fields that cannot be carried on the wire.
var ErrMalformed = errors.New("malformed coordination message")

const (
	verbRequest = "trackReq"
	verbAnswer  = "trackAnswer"

	keyID     = "id"
	keyTarget = "botnet"
)

// Frame is a decoded coordination message: *TrackRequest or *TrackAnswer.
type Frame interface {
	Encode() (string, error)
}

// TrackRequest asks the room whether anyone already monitors Target.
type TrackRequest struct {
	ID     string
	Target string
}

// TrackAnswer tells the issuer of request ID that the target is taken.
type TrackAnswer struct {
	ID string
}

// Encode renders the request in wire form.
func (r TrackRequest) Encode() (string, error) {
	if err := checkToken(keyID, r.ID); err != nil {
		return "", err
	}
	if err := checkToken(keyTarget, r.Target); err != nil {
		return "", err
	}
	return verbRequest + " " + keyID + "=" + r.ID + " " + keyTarget + "=" + r.Target, nil
}

// Encode renders the answer in wire form.
func (a TrackAnswer) Encode() (string, error) {
	if err := checkToken(keyID, a.ID); err != nil {
		return "", err
	}
	return verbAnswer + " " + keyID + "=" + a.ID, nil
}

// Decode parses a coordination-room body. Field order after the verb is free.
func Decode(body string) (Frame, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty body: %w", ErrMalformed)
	}

	switch fields[0] {
	case verbRequest:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s wants 2 fields, got %d: %w", verbRequest, len(fields)-1, ErrMalformed)
		}
		kv, err := parsePairs(fields[1:], keyID, keyTarget)
		if err != nil {
			return nil, err
		}
		return &TrackRequest{ID: kv[keyID], Target: kv[keyTarget]}, nil

	case verbAnswer:
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s wants 1 field, got %d: %w", verbAnswer, len(fields)-1, ErrMalformed)
		}
		kv, err := parsePairs(fields[1:], keyID)
		if err != nil {
			return nil, err
		}
		return &TrackAnswer{ID: kv[keyID]}, nil

	default:
		return nil, fmt.Errorf("unknown verb %q: %w", fields[0], ErrMalformed)
	}
}

// parsePairs reads key=value tokens and requires exactly the wanted keys.
func parsePairs(tokens []string, want ...string) (map[string]string, error) {
	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || v == "" {
			return nil, fmt.Errorf("bad field %q: %w", tok, ErrMalformed)
		}
		if _, dup := kv[k]; dup {
			return nil, fmt.Errorf("duplicate field %q: %w", k, ErrMalformed)
		}
		kv[k] = v
	}
	for _, k := range want {
		if _, ok := kv[k]; !ok {
			return nil, fmt.Errorf("missing field %q: %w", k, ErrMalformed)
		}
	}
	return kv, nil
}

func checkToken(name, v string) error {
	if v == "" {
		return fmt.Errorf("empty %s: %w", name, ErrMalformed)
	}
	if strings.IndexFunc(v, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%s %q contains whitespace: %w", name, v, ErrMalformed)
	}
	return nil
}

// ValidTarget reports whether target can be carried in a trackReq.
func ValidTarget(target string) error {
	return checkToken(keyTarget, target)
}
