package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// CredentialPrefix opens a credential frame.
	CredentialPrefix = "_UWF:"
	// FieldSeparator separates SSID and password inside a frame.
	FieldSeparator byte = 0x06
	// Terminator closes every frame.
	Terminator byte = 0x04

	// MaxPasswordLength is the WPA2 passphrase limit in bytes.
	MaxPasswordLength = 64
)

var (
	ErrInvalidSSID     = errors.New("invalid SSID")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidFrame    = errors.New("invalid frame")
)

// CredentialFrame is the logical content of a credential command.
type CredentialFrame struct {
	SSID     string
	Password string
}

// Validate checks field lengths and rejects the framing bytes inside fields.
func (f CredentialFrame) Validate() error {
	switch {
	case f.SSID == "":
		return fmt.Errorf("%w: must not be empty", ErrInvalidSSID)
	case len(f.SSID) > MaxSSIDLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSSID, len(f.SSID), MaxSSIDLength)
	case hasFramingByte(f.SSID):
		return fmt.Errorf("%w: contains a framing byte", ErrInvalidSSID)
	case len(f.Password) > MaxPasswordLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPassword, len(f.Password), MaxPasswordLength)
	case hasFramingByte(f.Password):
		return fmt.Errorf("%w: contains a framing byte", ErrInvalidPassword)
	}
	return nil
}

// Encode serializes the frame as "_UWF:" + ssid + 0x06 + password + 0x04.
func (f CredentialFrame) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(CredentialPrefix)+len(f.SSID)+len(f.Password)+2)
	buf = append(buf, CredentialPrefix...)
	buf = append(buf, f.SSID...)
	buf = append(buf, FieldSeparator)
	buf = append(buf, f.Password...)
	buf = append(buf, Terminator)
	return buf, nil
}

// EncodeCredentials builds the raw credential frame for ssid and password.
func EncodeCredentials(ssid, password string) ([]byte, error) {
	return CredentialFrame{SSID: ssid, Password: password}.Encode()
}

// DecodeCredentialFrame parses a raw credential frame.
func DecodeCredentialFrame(raw []byte) (CredentialFrame, error) {
	if !bytes.HasPrefix(raw, []byte(CredentialPrefix)) {
		return CredentialFrame{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidFrame, CredentialPrefix)
	}
	if len(raw) == 0 || raw[len(raw)-1] != Terminator {
		return CredentialFrame{}, fmt.Errorf("%w: missing terminator", ErrInvalidFrame)
	}

	body := raw[len(CredentialPrefix) : len(raw)-1]
	sep := bytes.IndexByte(body, FieldSeparator)
	if sep < 0 {
		return CredentialFrame{}, fmt.Errorf("%w: missing field separator", ErrInvalidFrame)
	}

	f := CredentialFrame{SSID: string(body[:sep]), Password: string(body[sep+1:])}
	if err := f.Validate(); err != nil {
		return CredentialFrame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return f, nil
}

func hasFramingByte(s string) bool {
	return strings.IndexByte(s, FieldSeparator) >= 0 || strings.IndexByte(s, Terminator) >= 0
}

// EndFrameVariant selects the end-of-session literal.
type EndFrameVariant string

const (
	// EndFrameColon is "_END:" + 0x04.
	EndFrameColon EndFrameVariant = "colon"
	// EndFrameDotStar is "_END.*" + 0x04.
	EndFrameDotStar EndFrameVariant = "dotstar"
)

// ParseEndFrameVariant accepts a variant name; empty selects EndFrameColon.
func ParseEndFrameVariant(s string) (EndFrameVariant, error) {
	switch v := EndFrameVariant(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return EndFrameColon, nil
	case EndFrameColon, EndFrameDotStar:
		return v, nil
	default:
		return "", fmt.Errorf("unknown end frame variant %q (want %q or %q)", s, EndFrameColon, EndFrameDotStar)
	}
}

// EncodeEndFrame returns the end-of-session command for the variant.
func EncodeEndFrame(v EndFrameVariant) []byte {
	if v == EndFrameDotStar {
		return append([]byte("_END.*"), Terminator)
	}
	return append([]byte("_END:"), Terminator)
}

// IsEndFrame reports whether raw is either end-of-session literal.
func IsEndFrame(raw []byte) bool {
	return bytes.Equal(raw, EncodeEndFrame(EndFrameColon)) || bytes.Equal(raw, EncodeEndFrame(EndFrameDotStar))
}

// Encoding is the transport encoding applied to frames before they are written.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding accepts an encoding name; empty selects EncodingRaw.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EncodingRaw, nil
	case EncodingRaw, EncodingBase64:
		return e, nil
	default:
		return "", fmt.Errorf("unknown transport encoding %q (want %q or %q)", s, EncodingRaw, EncodingBase64)
	}
}

// EncodeForTransport applies the transport encoding to a raw frame.
func EncodeForTransport(frame []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingRaw, "":
		return frame, nil
	case EncodingBase64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(frame)))
		base64.StdEncoding.Encode(out, frame)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transport encoding %q", enc)
	}
}

// DecodeFromTransport reverses EncodeForTransport.
func DecodeFromTransport(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingRaw, "":
		return data, nil
	case EncodingBase64:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown transport encoding %q", enc)
	}
}
