package stacks

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Network holds the transaction and address versions of a Stacks network.
type Network struct {
	Name           string
	TxVersion      byte
	ChainID        uint32
	AddressVersion byte
	DefaultAPIURL  string
}

var (
	Mainnet = Network{
		Name:           "mainnet",
		TxVersion:      0x00,
		ChainID:        0x00000001,
		AddressVersion: AddressVersionMainnetSingleSig,
		DefaultAPIURL:  "https://api.hiro.so",
	}
	Testnet = Network{
		Name:           "testnet",
		TxVersion:      0x80,
		ChainID:        0x80000000,
		AddressVersion: AddressVersionTestnetSingleSig,
		DefaultAPIURL:  "https://api.testnet.hiro.so",
	}
	Devnet = Network{
		Name:           "devnet",
		TxVersion:      0x80,
		ChainID:        0x80000000,
		AddressVersion: AddressVersionTestnetSingleSig,
		DefaultAPIURL:  "http://localhost:3999",
	}
)

// NetworkByName returns the network with the given name.
func NetworkByName(name string) (Network, error) {
	switch name {
	case Mainnet.Name:
		return Mainnet, nil
	case Testnet.Name:
		return Testnet, nil
	case Devnet.Name:
		return Devnet, nil
	default:
		return Network{}, fmt.Errorf("unknown stacks network %q", name)
	}
}

const (
	authTypeStandard       byte = 0x04
	hashModeP2PKH          byte = 0x00
	pubKeyEncodingCompress byte = 0x00
	payloadContractCall    byte = 0x02
	recoverableSigSize          = 65
)

// AnchorMode tells miners where the transaction may be included.
type AnchorMode byte

const (
	AnchorModeOnChainOnly  AnchorMode = 0x01
	AnchorModeOffChainOnly AnchorMode = 0x02
	AnchorModeAny          AnchorMode = 0x03
)

// PostConditionMode controls asset transfers not covered by post conditions.
type PostConditionMode byte

const (
	PostConditionModeAllow PostConditionMode = 0x01
	PostConditionModeDeny  PostConditionMode = 0x02
)

// ContractCall is a single signature contract call transaction.
type ContractCall struct {
	Network           Network
	Nonce             uint64
	Fee               uint64
	AnchorMode        AnchorMode
	PostConditionMode PostConditionMode
	Contract          Principal
	Function          string
	Args              []Value

	signer    [20]byte
	signature [recoverableSigSize]byte
}

// serialize writes the wire encoding of the transaction. When cleared is
// true the spending condition is replaced by its initial sighash form:
// nonce, fee and signature set to zero.
func (tx *ContractCall) serialize(cleared bool) ([]byte, error) {
	if !tx.Contract.IsContract() {
		return nil, fmt.Errorf("%w: %s is not a contract", ErrInvalidPrincipal, tx.Contract)
	}
	if len(tx.Function) == 0 || len(tx.Function) > maxClarityNameLen {
		return nil, fmt.Errorf("%w: bad function name %q", ErrSerialization, tx.Function)
	}
	w := &bytes.Buffer{}
	w.WriteByte(tx.Network.TxVersion)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], tx.Network.ChainID)
	w.Write(u32[:])

	// authorization: standard, single signature spending condition
	w.WriteByte(authTypeStandard)
	w.WriteByte(hashModeP2PKH)
	w.Write(tx.signer[:])
	var u64 [8]byte
	if !cleared {
		binary.BigEndian.PutUint64(u64[:], tx.Nonce)
	}
	w.Write(u64[:])
	u64 = [8]byte{}
	if !cleared {
		binary.BigEndian.PutUint64(u64[:], tx.Fee)
	}
	w.Write(u64[:])
	w.WriteByte(pubKeyEncodingCompress)
	if cleared {
		w.Write(make([]byte, recoverableSigSize))
	} else {
		w.Write(tx.signature[:])
	}

	anchor := tx.AnchorMode
	if anchor == 0 {
		anchor = AnchorModeAny
	}
	w.WriteByte(byte(anchor))
	pcMode := tx.PostConditionMode
	if pcMode == 0 {
		pcMode = PostConditionModeDeny
	}
	w.WriteByte(byte(pcMode))
	// no post conditions
	w.Write([]byte{0, 0, 0, 0})

	w.WriteByte(payloadContractCall)
	w.WriteByte(tx.Contract.Version)
	w.Write(tx.Contract.Hash160[:])
	w.WriteByte(byte(len(tx.Contract.ContractName)))
	w.WriteString(tx.Contract.ContractName)
	w.WriteByte(byte(len(tx.Function)))
	w.WriteString(tx.Function)
	binary.BigEndian.PutUint32(u32[:], uint32(len(tx.Args)))
	w.Write(u32[:])
	for i, arg := range tx.Args {
		if arg == nil {
			return nil, fmt.Errorf("%w: nil argument %d", ErrSerialization, i)
		}
		if err := arg.encode(w); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

// Sign signs the transaction with the given key, which also becomes the
// origin of the transaction.
func (tx *ContractCall) Sign(key *ecdsa.PrivateKey) error {
	tx.signer = Hash160(ethcrypto.CompressPubkey(&key.PublicKey))
	tx.signature = [recoverableSigSize]byte{}
	initial, err := tx.serialize(true)
	if err != nil {
		return err
	}
	sighash := sha512.Sum512_256(initial)
	presign := presignSighash(sighash, authTypeStandard, tx.Fee, tx.Nonce)
	sig, err := ethcrypto.Sign(presign[:], key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	// go-ethereum returns r || s || v, stacks expects v || r || s
	tx.signature[0] = sig[64]
	copy(tx.signature[1:], sig[:64])
	return nil
}

// Bytes returns the wire encoding of the signed transaction.
func (tx *ContractCall) Bytes() ([]byte, error) {
	if tx.signature == ([recoverableSigSize]byte{}) {
		return nil, fmt.Errorf("transaction not signed")
	}
	return tx.serialize(false)
}

// TxID returns the transaction id, the SHA512/256 hash of the wire encoding.
func (tx *ContractCall) TxID() (string, error) {
	raw, err := tx.Bytes()
	if err != nil {
		return "", err
	}
	id := sha512.Sum512_256(raw)
	return hex.EncodeToString(id[:]), nil
}

// Origin returns the address that signed the transaction.
func (tx *ContractCall) Origin() Address {
	return Address{Version: tx.Network.AddressVersion, Hash160: tx.signer}
}

// VerifySignature recovers the signer public key from the signature and
// checks it matches the origin.
func (tx *ContractCall) VerifySignature() (bool, error) {
	initial, err := tx.serialize(true)
	if err != nil {
		return false, err
	}
	sighash := sha512.Sum512_256(initial)
	presign := presignSighash(sighash, authTypeStandard, tx.Fee, tx.Nonce)
	rsv := make([]byte, recoverableSigSize)
	copy(rsv, tx.signature[1:])
	rsv[64] = tx.signature[0]
	pub, err := ethcrypto.SigToPub(presign[:], rsv)
	if err != nil {
		return false, err
	}
	return Hash160(ethcrypto.CompressPubkey(pub)) == tx.signer, nil
}

func presignSighash(sighash [32]byte, authType byte, fee, nonce uint64) [32]byte {
	buf := make([]byte, 0, 32+1+8+8)
	buf = append(buf, sighash[:]...)
	buf = append(buf, authType)
	buf = binary.BigEndian.AppendUint64(buf, fee)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return sha512.Sum512_256(buf)
}
