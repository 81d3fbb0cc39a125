// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package codec implements one concrete spa.Decoder: an
// encrypt-then-MAC scheme over AES-256-CBC and HMAC-SHA256, with both
// keys derived from a stanza's shared passphrase via PBKDF2. It plays
// the role fwknop's GPG/Rijndael modes play in the reference
// implementation, grounded on the same "symmetric key per stanza"
// model (original_source/server/decode.c), but the wire format and
// primitives are this package's own.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/crypto/pbkdf2"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/spa"
)

const (
	pbkdfIterations = 10000
	keyMaterialLen  = 64 // 32 bytes AES-256 key + 32 bytes HMAC key
	saltLen         = 8
	ivLen           = aes.BlockSize
	hmacLen         = sha256.Size
	wireVersion     = 1

	// timestampWindow bounds how far a knock's embedded timestamp may
	// drift from the decoder's clock in either direction before it's
	// rejected outright, independent of the replay cache. This is the
	// decoder's own defense against a captured-and-replayed-much-later
	// packet whose digest has aged out of the cache.
	timestampWindow = 2 * time.Minute
)

// SymmetricCodec is the production spa.Decoder for passphrase-based
// stanzas.
type SymmetricCodec struct{}

// NewSymmetricCodec builds the default codec.
func NewSymmetricCodec() *SymmetricCodec { return &SymmetricCodec{} }

// deriveKeys stretches a stanza passphrase into an encryption key and
// a MAC key using PBKDF2-HMAC-SHA256, salted per-message so two
// packets from the same stanza never share a derived key.
func deriveKeys(passphrase, salt []byte) (encKey, macKey []byte) {
	material := pbkdf2.Key(passphrase, salt, pbkdfIterations, keyMaterialLen, sha256.New)
	return material[:32], material[32:]
}

// Encode builds the wire payload for rec using the stanza passphrase.
// It is the client-side half of this codec, included because spec.md
// §4.2's black-box boundary is one-directional: knockd only ever
// decodes, but a decoder implementation that can't also encode cannot
// be tested against itself.
func (SymmetricCodec) Encode(rec spa.Record, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, kerrors.Wrap(err, kerrors.KindInternal, "generate salt")
	}
	encKey, macKey := deriveKeys(passphrase, salt)

	plain := marshalRecord(rec)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.KindInternal, "new cipher")
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, kerrors.Wrap(err, kerrors.KindInternal, "generate iv")
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, 1+saltLen+ivLen+len(ciphertext)+hmacLen)
	out = append(out, wireVersion)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out)
	out = mac.Sum(out)
	return out, nil
}

// Decode implements spa.Decoder.
func (SymmetricCodec) Decode(payload []byte, keys spa.CandidateKeySet) (spa.Record, spa.Digest, error) {
	minLen := 1 + saltLen + ivLen + aes.BlockSize + hmacLen
	if len(payload) < minLen {
		return spa.Record{}, nil, kerrors.New(kerrors.KindDecodeMalformed, "payload shorter than minimum frame")
	}
	if payload[0] != wireVersion {
		return spa.Record{}, nil, kerrors.Errorf(kerrors.KindVersionUnsupported, "unsupported wire version %d", payload[0])
	}

	passphrase, ok := keys.Lookup("symmetric")
	if !ok {
		return spa.Record{}, nil, kerrors.New(kerrors.KindDecodeMalformed, "no symmetric key available for candidate source")
	}

	body := payload[:len(payload)-hmacLen]
	gotMAC := payload[len(payload)-hmacLen:]

	salt := payload[1 : 1+saltLen]
	_, macKey := deriveKeys(passphrase, salt)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	wantMAC := mac.Sum(nil)
	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return spa.Record{}, nil, kerrors.New(kerrors.KindHMACMismatch, "HMAC verification failed")
	}

	encKey, _ := deriveKeys(passphrase, salt)
	iv := payload[1+saltLen : 1+saltLen+ivLen]
	ciphertext := body[1+saltLen+ivLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return spa.Record{}, nil, kerrors.New(kerrors.KindDecodeMalformed, "ciphertext not block-aligned")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return spa.Record{}, nil, kerrors.Wrap(err, kerrors.KindInternal, "new cipher")
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return spa.Record{}, nil, kerrors.Wrap(err, kerrors.KindDecryptFailed, "decrypt")
	}

	rec, err := unmarshalRecord(plain)
	if err != nil {
		return spa.Record{}, nil, kerrors.Wrap(err, kerrors.KindDecodeMalformed, "parse decrypted record")
	}

	if skew := time.Since(rec.Timestamp); skew > timestampWindow || skew < -timestampWindow {
		return spa.Record{}, nil, kerrors.Errorf(kerrors.KindTimestampOutOfWindow, "knock timestamp %s outside %s window", rec.Timestamp.Format(time.RFC3339), timestampWindow)
	}

	digest := sha256.Sum256(payload)
	return rec, spa.Digest(digest[:]), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(b, padding...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, kerrors.New(kerrors.KindDecodeMalformed, "empty plaintext")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) || padLen > aes.BlockSize {
		return nil, kerrors.New(kerrors.KindDecodeMalformed, "invalid padding")
	}
	return b[:len(b)-padLen], nil
}

// marshalRecord and unmarshalRecord define this codec's plaintext
// wire layout: a fixed-width header followed by a variable-length
// username and access list.
func marshalRecord(rec spa.Record) []byte {
	var buf bytes.Buffer

	ip4 := rec.ClientIP.To4()
	if ip4 != nil {
		buf.WriteByte(4)
		buf.Write(ip4)
	} else {
		buf.WriteByte(6)
		buf.Write(rec.ClientIP.To16())
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(rec.Timestamp.Unix()))
	buf.Write(tsBuf[:])

	var nonceBuf [4]byte
	binary.BigEndian.PutUint32(nonceBuf[:], rec.Nonce)
	buf.Write(nonceBuf[:])

	var timeoutBuf [2]byte
	binary.BigEndian.PutUint16(timeoutBuf[:], uint16(rec.Timeout/time.Second))
	buf.Write(timeoutBuf[:])

	buf.WriteByte(byte(len(rec.Username)))
	buf.WriteString(rec.Username)

	buf.WriteByte(byte(len(rec.Access)))
	for _, a := range rec.Access {
		protoByte := byte(0)
		if a.Proto == "udp" {
			protoByte = 1
		}
		buf.WriteByte(protoByte)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], uint16(a.Port))
		buf.Write(portBuf[:])
	}

	return buf.Bytes()
}

func unmarshalRecord(b []byte) (spa.Record, error) {
	r := bytes.NewReader(b)

	ipVerByte, err := r.ReadByte()
	if err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "missing ip version byte")
	}
	ipLen := 4
	if ipVerByte == 6 {
		ipLen = 16
	} else if ipVerByte != 4 {
		return spa.Record{}, kerrors.Errorf(kerrors.KindDecodeMalformed, "invalid ip version byte %d", ipVerByte)
	}
	ipBytes := make([]byte, ipLen)
	if _, err := r.Read(ipBytes); err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated client ip")
	}

	var tsBuf [8]byte
	if _, err := r.Read(tsBuf[:]); err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated timestamp")
	}

	var nonceBuf [4]byte
	if _, err := r.Read(nonceBuf[:]); err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated nonce")
	}

	var timeoutBuf [2]byte
	if _, err := r.Read(timeoutBuf[:]); err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated timeout")
	}

	userLen, err := r.ReadByte()
	if err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "missing username length")
	}
	userBytes := make([]byte, userLen)
	if userLen > 0 {
		if _, err := r.Read(userBytes); err != nil {
			return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated username")
		}
	}

	accessCount, err := r.ReadByte()
	if err != nil {
		return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "missing access count")
	}
	access := make([]spa.AccessRequest, 0, accessCount)
	for i := byte(0); i < accessCount; i++ {
		protoByte, err := r.ReadByte()
		if err != nil {
			return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated access entry")
		}
		var portBuf [2]byte
		if _, err := r.Read(portBuf[:]); err != nil {
			return spa.Record{}, kerrors.New(kerrors.KindDecodeMalformed, "truncated access entry port")
		}
		proto := "tcp"
		if protoByte == 1 {
			proto = "udp"
		}
		access = append(access, spa.AccessRequest{Proto: proto, Port: int(binary.BigEndian.Uint16(portBuf[:]))})
	}

	return spa.Record{
		ClientIP:  net.IP(ipBytes),
		Access:    access,
		Timeout:   time.Duration(binary.BigEndian.Uint16(timeoutBuf[:])) * time.Second,
		Username:  string(userBytes),
		Timestamp: time.Unix(int64(binary.BigEndian.Uint64(tsBuf[:])), 0),
		Nonce:     binary.BigEndian.Uint32(nonceBuf[:]),
	}, nil
}
