package blockchain

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// SystemProgramID is the native system program
const SystemProgramID = "11111111111111111111111111111111"

const sigLen = 64

// BuildTransferTx serializes an unsigned legacy transaction moving lamports
// from one account to another. The single signature slot is zero-filled; the
// signer (remote or local) fills it in. The blockhash baked in here is never
// patched afterwards - stale transactions are rebuilt, not repaired.
func BuildTransferTx(from, to string, lamports uint64, blockhash string) (string, error) {
	fromKey, err := base58.Decode(from)
	if err != nil {
		return "", fmt.Errorf("decode from address: %w", err)
	}
	toKey, err := base58.Decode(to)
	if err != nil {
		return "", fmt.Errorf("decode to address: %w", err)
	}
	hash, err := base58.Decode(blockhash)
	if err != nil {
		return "", fmt.Errorf("decode blockhash: %w", err)
	}
	if len(fromKey) != 32 || len(toKey) != 32 || len(hash) != 32 {
		return "", fmt.Errorf("keys and blockhash must be 32 bytes")
	}
	systemKey, _ := base58.Decode(SystemProgramID)

	// Legacy message: header, account keys, blockhash, instructions.
	// Header: 1 required signature, 0 readonly signed, 1 readonly unsigned
	// (the system program).
	var msg []byte
	msg = append(msg, 1, 0, 1)
	msg = append(msg, 3) // account count
	msg = append(msg, fromKey...)
	msg = append(msg, toKey...)
	msg = append(msg, systemKey...)
	msg = append(msg, hash...)

	// One instruction: SystemProgram::Transfer (discriminator 2)
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	msg = append(msg, 1)    // instruction count
	msg = append(msg, 2)    // program id index (system program)
	msg = append(msg, 2)    // account index count
	msg = append(msg, 0, 1) // from, to
	msg = append(msg, byte(len(data)))
	msg = append(msg, data...)

	// Wire form: [sig count = 1][zeroed signature slot][message]
	tx := make([]byte, 1+sigLen+len(msg))
	tx[0] = 1
	copy(tx[1+sigLen:], msg)

	return base64.StdEncoding.EncodeToString(tx), nil
}

// SignSerializedTx signs a base64 serialized transaction (legacy or
// versioned) with a local wallet and returns the signed base64 form. The
// message bytes are signed exactly as produced upstream; blockhash, fee
// payer and instructions are left untouched.
func SignSerializedTx(w *Wallet, serializedTxBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", err
	}
	if len(txBytes) == 0 {
		return "", fmt.Errorf("empty transaction")
	}

	sigCount := int(txBytes[0])
	if sigCount == 0 {
		// No signature slots reserved: prepend ours
		message := txBytes[1:]
		signature := w.Sign(message)

		signedTx := make([]byte, 1+sigLen+len(message))
		signedTx[0] = 1
		copy(signedTx[1:1+sigLen], signature)
		copy(signedTx[1+sigLen:], message)
		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	messageOffset := 1 + sigCount*sigLen
	if len(txBytes) <= messageOffset {
		return "", fmt.Errorf("malformed transaction: %d bytes, %d signature slots", len(txBytes), sigCount)
	}

	message := txBytes[messageOffset:]
	signature := w.Sign(message)
	copy(txBytes[1:1+sigLen], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// MessageBytes extracts the message portion of a serialized transaction,
// i.e. the bytes a signer actually signs.
func MessageBytes(serializedTxBase64 string) ([]byte, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return nil, err
	}
	if len(txBytes) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	sigCount := int(txBytes[0])
	offset := 1 + sigCount*sigLen
	if sigCount == 0 {
		offset = 1
	}
	if len(txBytes) <= offset {
		return nil, fmt.Errorf("malformed transaction")
	}
	return txBytes[offset:], nil
}
