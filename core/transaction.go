package core

// Transaction payload, output variants and unlocks (spec.md §3/§4.1).
//
// An output is identified by OutputID = creating-transaction-id ++
// output-index. A transaction essence references prior outputs as inputs,
// commits to their concatenated canonical bytes via BLAKE2b-256, and
// produces new outputs; every input carries exactly one unlock, either a
// direct Ed25519 signature or a reference to an earlier signature unlock
// for the same address.

import (
	"bytes"
	"golang.org/x/crypto/blake2b"
)

const OutputIDLength = BlockIDLength + 2

// OutputID = transaction id (32 bytes) ++ output index (u16).
type OutputID [OutputIDLength]byte

func NewOutputID(txID BlockID, index uint16) OutputID {
	var id OutputID
	copy(id[:BlockIDLength], txID[:])
	id[BlockIDLength] = byte(index)
	id[BlockIDLength+1] = byte(index >> 8)
	return id
}

func (id OutputID) TransactionID() BlockID {
	var txID BlockID
	copy(txID[:], id[:BlockIDLength])
	return txID
}

func (id OutputID) Index() uint16 {
	return uint16(id[BlockIDLength]) | uint16(id[BlockIDLength+1])<<8
}

func (id OutputID) String() string { return hexString(id[:]) }

// OutputKind tags the output variant.
type OutputKind uint8

const (
	OutputBasic OutputKind = iota
	OutputAlias
	OutputFoundry
	OutputNFT
	OutputTreasury
)

// UnlockConditionKind tags an output's unlock condition variant.
type UnlockConditionKind uint8

const (
	UnlockConditionAddress UnlockConditionKind = iota
	UnlockConditionStorageDepositReturn
	UnlockConditionTimelock
	UnlockConditionExpiration
	UnlockConditionStateControllerAddress
	UnlockConditionGovernorAddress
)

// UnlockCondition is a single condition gating an output's spend or state
// transition. Not every field is meaningful for every kind; Kind decides
// which are read.
type UnlockCondition struct {
	ConditionKind    UnlockConditionKind
	Address          Address
	ReturnAmount     uint64 // StorageDepositReturn
	MilestoneIndex   uint32 // Timelock / Expiration
	UnixTime         uint32 // Timelock / Expiration
}

func (uc UnlockCondition) encode(w *writer) {
	w.writeU8(uint8(uc.ConditionKind))
	switch uc.ConditionKind {
	case UnlockConditionAddress, UnlockConditionStateControllerAddress, UnlockConditionGovernorAddress:
		w.writeRaw(uc.Address[:])
	case UnlockConditionStorageDepositReturn:
		w.writeRaw(uc.Address[:])
		w.writeU64(uc.ReturnAmount)
	case UnlockConditionTimelock, UnlockConditionExpiration:
		w.writeU32(uc.MilestoneIndex)
		w.writeU32(uc.UnixTime)
		if uc.ConditionKind == UnlockConditionExpiration {
			w.writeRaw(uc.Address[:])
		}
	}
}

func decodeUnlockCondition(r *reader) (UnlockCondition, error) {
	kind, err := r.readU8()
	if err != nil {
		return UnlockCondition{}, err
	}
	uc := UnlockCondition{ConditionKind: UnlockConditionKind(kind)}
	switch uc.ConditionKind {
	case UnlockConditionAddress, UnlockConditionStateControllerAddress, UnlockConditionGovernorAddress:
		raw, err := r.readRaw(AddressLength)
		if err != nil {
			return UnlockCondition{}, err
		}
		copy(uc.Address[:], raw)
	case UnlockConditionStorageDepositReturn:
		raw, err := r.readRaw(AddressLength)
		if err != nil {
			return UnlockCondition{}, err
		}
		copy(uc.Address[:], raw)
		amt, err := r.readU64()
		if err != nil {
			return UnlockCondition{}, err
		}
		uc.ReturnAmount = amt
	case UnlockConditionTimelock, UnlockConditionExpiration:
		ms, err := r.readU32()
		if err != nil {
			return UnlockCondition{}, err
		}
		ts, err := r.readU32()
		if err != nil {
			return UnlockCondition{}, err
		}
		uc.MilestoneIndex, uc.UnixTime = ms, ts
		if uc.ConditionKind == UnlockConditionExpiration {
			raw, err := r.readRaw(AddressLength)
			if err != nil {
				return UnlockCondition{}, err
			}
			copy(uc.Address[:], raw)
		}
	default:
		return UnlockCondition{}, &DecodeError{Kind: DecodeErrBounds, Field: "unlock_condition.kind", Detail: "unknown kind", Offset: r.pos}
	}
	return uc, nil
}

// NativeToken is a foundry-minted token balance carried by an output.
type NativeToken struct {
	ID     [38]byte
	Amount uint64
}

// SimpleTokenScheme tracks a foundry's mint/melt bookkeeping. Validate
// enforces the three invariants spec.md §3 names for every foundry output.
type SimpleTokenScheme struct {
	MintedTokens  uint64
	MeltedTokens  uint64
	MaximumSupply uint64
}

func (s SimpleTokenScheme) Validate() error {
	if s.MaximumSupply == 0 {
		return &DecodeError{Kind: DecodeErrBounds, Field: "token_scheme.maximum_supply", Detail: "must be > 0"}
	}
	if s.MeltedTokens > s.MintedTokens {
		return &DecodeError{Kind: DecodeErrBounds, Field: "token_scheme.melted_tokens", Detail: "melted exceeds minted"}
	}
	if s.MintedTokens-s.MeltedTokens > s.MaximumSupply {
		return &DecodeError{Kind: DecodeErrBounds, Field: "token_scheme.minted_tokens", Detail: "circulating supply exceeds maximum"}
	}
	return nil
}

// Output is implemented by every output variant. UnlockConditions returns
// the conditions gating a spend; native tokens and amount are read directly
// from the concrete type by the ledger.
type Output interface {
	Kind() OutputKind
	Amount() uint64
	UnlockConditions() []UnlockCondition
	Encode() []byte
}

type outputCommon struct {
	Value       uint64
	Conditions  []UnlockCondition
	NativeTokens []NativeToken
}

func (o outputCommon) Amount() uint64                      { return o.Value }
func (o outputCommon) UnlockConditions() []UnlockCondition { return o.Conditions }

func (o outputCommon) encode(w *writer) {
	w.writeU64(o.Value)
	w.writeU8(uint8(len(o.NativeTokens)))
	for _, nt := range o.NativeTokens {
		w.writeRaw(nt.ID[:])
		w.writeU64(nt.Amount)
	}
	w.writeU8(uint8(len(o.Conditions)))
	for _, c := range o.Conditions {
		c.encode(w)
	}
}

func decodeOutputCommon(r *reader) (outputCommon, error) {
	var o outputCommon
	v, err := r.readU64()
	if err != nil {
		return o, err
	}
	o.Value = v
	ntCount, err := r.readU8()
	if err != nil {
		return o, err
	}
	o.NativeTokens = make([]NativeToken, ntCount)
	for i := range o.NativeTokens {
		raw, err := r.readRaw(38)
		if err != nil {
			return o, err
		}
		copy(o.NativeTokens[i].ID[:], raw)
		amt, err := r.readU64()
		if err != nil {
			return o, err
		}
		o.NativeTokens[i].Amount = amt
	}
	condCount, err := r.readU8()
	if err != nil {
		return o, err
	}
	o.Conditions = make([]UnlockCondition, condCount)
	for i := range o.Conditions {
		c, err := decodeUnlockCondition(r)
		if err != nil {
			return o, err
		}
		o.Conditions[i] = c
	}
	return o, nil
}

type BasicOutput struct{ outputCommon }

func (o *BasicOutput) Kind() OutputKind { return OutputBasic }
func (o *BasicOutput) Encode() []byte {
	w := newWriter()
	o.outputCommon.encode(w)
	return w.Bytes()
}

type AliasOutput struct {
	outputCommon
	StateIndex     uint32
	FoundryCounter uint32
	StateMetadata  []byte
}

func (o *AliasOutput) Kind() OutputKind { return OutputAlias }
func (o *AliasOutput) Encode() []byte {
	w := newWriter()
	o.outputCommon.encode(w)
	w.writeU32(o.StateIndex)
	w.writeU32(o.FoundryCounter)
	w.writeBytesU16(o.StateMetadata)
	return w.Bytes()
}

type FoundryOutput struct {
	outputCommon
	SerialNumber uint32
	TokenScheme  SimpleTokenScheme
}

func (o *FoundryOutput) Kind() OutputKind { return OutputFoundry }
func (o *FoundryOutput) Encode() []byte {
	w := newWriter()
	o.outputCommon.encode(w)
	w.writeU32(o.SerialNumber)
	w.writeU64(o.TokenScheme.MintedTokens)
	w.writeU64(o.TokenScheme.MeltedTokens)
	w.writeU64(o.TokenScheme.MaximumSupply)
	return w.Bytes()
}

type NFTOutput struct {
	outputCommon
	ImmutableMetadata []byte
}

func (o *NFTOutput) Kind() OutputKind { return OutputNFT }
func (o *NFTOutput) Encode() []byte {
	w := newWriter()
	o.outputCommon.encode(w)
	w.writeBytesU16(o.ImmutableMetadata)
	return w.Bytes()
}

// TreasuryOutput holds the protocol-reserved treasury balance; it carries no
// unlock conditions and is only ever produced or consumed by milestone
// diffs, never by ordinary transactions.
type TreasuryOutput struct {
	Value uint64
}

func (o *TreasuryOutput) Kind() OutputKind                  { return OutputTreasury }
func (o *TreasuryOutput) Amount() uint64                    { return o.Value }
func (o *TreasuryOutput) UnlockConditions() []UnlockCondition { return nil }
func (o *TreasuryOutput) Encode() []byte {
	w := newWriter()
	w.writeU64(o.Value)
	return w.Bytes()
}

func encodeOutput(o Output) []byte {
	w := newWriter()
	w.writeU8(uint8(o.Kind()))
	w.writeRaw(o.Encode())
	return w.Bytes()
}

func decodeOutput(r *reader) (Output, error) {
	kind, err := r.readU8()
	if err != nil {
		return nil, err
	}
	switch OutputKind(kind) {
	case OutputBasic:
		c, err := decodeOutputCommon(r)
		if err != nil {
			return nil, err
		}
		return &BasicOutput{c}, nil
	case OutputAlias:
		c, err := decodeOutputCommon(r)
		if err != nil {
			return nil, err
		}
		si, err := r.readU32()
		if err != nil {
			return nil, err
		}
		fc, err := r.readU32()
		if err != nil {
			return nil, err
		}
		meta, err := r.readBytesU16()
		if err != nil {
			return nil, err
		}
		return &AliasOutput{outputCommon: c, StateIndex: si, FoundryCounter: fc, StateMetadata: meta}, nil
	case OutputFoundry:
		c, err := decodeOutputCommon(r)
		if err != nil {
			return nil, err
		}
		sn, err := r.readU32()
		if err != nil {
			return nil, err
		}
		minted, err := r.readU64()
		if err != nil {
			return nil, err
		}
		melted, err := r.readU64()
		if err != nil {
			return nil, err
		}
		max, err := r.readU64()
		if err != nil {
			return nil, err
		}
		scheme := SimpleTokenScheme{MintedTokens: minted, MeltedTokens: melted, MaximumSupply: max}
		if err := scheme.Validate(); err != nil {
			return nil, err
		}
		return &FoundryOutput{outputCommon: c, SerialNumber: sn, TokenScheme: scheme}, nil
	case OutputNFT:
		c, err := decodeOutputCommon(r)
		if err != nil {
			return nil, err
		}
		meta, err := r.readBytesU16()
		if err != nil {
			return nil, err
		}
		return &NFTOutput{outputCommon: c, ImmutableMetadata: meta}, nil
	case OutputTreasury:
		v, err := r.readU64()
		if err != nil {
			return nil, err
		}
		return &TreasuryOutput{Value: v}, nil
	default:
		return nil, &DecodeError{Kind: DecodeErrBounds, Field: "output.kind", Detail: "unknown output kind", Offset: r.pos}
	}
}

// UnlockKind tags the unlock variant carried per input.
type UnlockKind uint8

const (
	UnlockSignature UnlockKind = iota
	UnlockReference
)

// Unlock authorizes spending the input at the matching index. A
// SignatureUnlock carries its own Ed25519 signature; a ReferenceUnlock
// points at an earlier index whose signature unlock also covers this
// input's address, avoiding repeated signatures for repeated spenders.
type Unlock struct {
	UnlockKind UnlockKind
	PublicKey  [32]byte
	Signature  [64]byte
	Reference  uint16
}

func (u Unlock) encode(w *writer) {
	w.writeU8(uint8(u.UnlockKind))
	switch u.UnlockKind {
	case UnlockSignature:
		w.writeRaw(u.PublicKey[:])
		w.writeRaw(u.Signature[:])
	case UnlockReference:
		w.writeU16(u.Reference)
	}
}

func decodeUnlock(r *reader) (Unlock, error) {
	kind, err := r.readU8()
	if err != nil {
		return Unlock{}, err
	}
	u := Unlock{UnlockKind: UnlockKind(kind)}
	switch u.UnlockKind {
	case UnlockSignature:
		pk, err := r.readRaw(32)
		if err != nil {
			return Unlock{}, err
		}
		copy(u.PublicKey[:], pk)
		sig, err := r.readRaw(64)
		if err != nil {
			return Unlock{}, err
		}
		copy(u.Signature[:], sig)
	case UnlockReference:
		ref, err := r.readU16()
		if err != nil {
			return Unlock{}, err
		}
		u.Reference = ref
	default:
		return Unlock{}, &DecodeError{Kind: DecodeErrBounds, Field: "unlock.kind", Detail: "unknown kind", Offset: r.pos}
	}
	return u, nil
}

// TransactionEssence is the signed body of a transaction: the part whose
// hash every unlock signature covers.
type TransactionEssence struct {
	NetworkID        uint64
	Inputs           []OutputID
	InputsCommitment [32]byte
	Outputs          []Output
	TaggedData       *TaggedDataPayload // optional
}

// ComputeInputsCommitment hashes the concatenated canonical bytes of the
// outputs being consumed, in input order. Callers supply resolved outputs
// in the same order as e.Inputs.
func ComputeInputsCommitment(resolved []Output) [32]byte {
	var buf bytes.Buffer
	for _, o := range resolved {
		buf.Write(encodeOutput(o))
	}
	return blake2b.Sum256(buf.Bytes())
}

// Validate performs the structural checks decodable without external
// state: inputs non-empty and unique, outputs non-empty.
func (e *TransactionEssence) Validate() error {
	if len(e.Inputs) == 0 {
		return &DecodeError{Kind: DecodeErrBounds, Field: "essence.inputs", Detail: "must be non-empty"}
	}
	seen := make(map[OutputID]struct{}, len(e.Inputs))
	for _, in := range e.Inputs {
		if _, dup := seen[in]; dup {
			return &DecodeError{Kind: DecodeErrDuplicate, Field: "essence.inputs", Detail: "duplicate input"}
		}
		seen[in] = struct{}{}
	}
	if len(e.Outputs) == 0 {
		return &DecodeError{Kind: DecodeErrBounds, Field: "essence.outputs", Detail: "must be non-empty"}
	}
	return nil
}

func (e *TransactionEssence) encode(w *writer) {
	w.writeU64(e.NetworkID)
	w.writeU16(uint16(len(e.Inputs)))
	for _, in := range e.Inputs {
		w.writeRaw(in[:])
	}
	w.writeRaw(e.InputsCommitment[:])
	w.writeU16(uint16(len(e.Outputs)))
	for _, o := range e.Outputs {
		w.writeRaw(encodeOutput(o))
	}
	if e.TaggedData != nil {
		w.writeU8(1)
		w.writeRaw(e.TaggedData.Encode())
	} else {
		w.writeU8(0)
	}
}

func decodeEssence(r *reader) (*TransactionEssence, error) {
	e := &TransactionEssence{}
	nid, err := r.readU64()
	if err != nil {
		return nil, err
	}
	e.NetworkID = nid
	inCount, err := r.readU16()
	if err != nil {
		return nil, err
	}
	e.Inputs = make([]OutputID, inCount)
	for i := range e.Inputs {
		raw, err := r.readRaw(OutputIDLength)
		if err != nil {
			return nil, err
		}
		copy(e.Inputs[i][:], raw)
	}
	commitment, err := r.readRaw(32)
	if err != nil {
		return nil, err
	}
	copy(e.InputsCommitment[:], commitment)
	outCount, err := r.readU16()
	if err != nil {
		return nil, err
	}
	e.Outputs = make([]Output, outCount)
	for i := range e.Outputs {
		o, err := decodeOutput(r)
		if err != nil {
			return nil, err
		}
		e.Outputs[i] = o
	}
	hasTagged, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if hasTagged == 1 {
		td, err := decodeTaggedData(r)
		if err != nil {
			return nil, err
		}
		e.TaggedData = td
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// TransactionPayload binds a signed essence to its per-input unlocks.
type TransactionPayload struct {
	Essence *TransactionEssence
	Unlocks []Unlock
}

func (t *TransactionPayload) Kind() PayloadKind { return PayloadTransaction }

func (t *TransactionPayload) Encode() []byte {
	w := newWriter()
	t.Essence.encode(w)
	w.writeU16(uint16(len(t.Unlocks)))
	for _, u := range t.Unlocks {
		u.encode(w)
	}
	return w.Bytes()
}

// EssenceHash is the message every signature unlock signs.
func (t *TransactionPayload) EssenceHash() [32]byte {
	w := newWriter()
	t.Essence.encode(w)
	return blake2b.Sum256(w.Bytes())
}

// ValidateUnlocks performs the structural (non-cryptographic) checks spec.md
// requires of unlock references: one per input, reference unlocks point
// only to strictly earlier, non-self indices. Signature verification and
// "no duplicated signature" address-level checks happen in the ledger,
// which has the resolved input addresses this layer does not.
func (t *TransactionPayload) ValidateUnlocks() error {
	if len(t.Unlocks) != len(t.Essence.Inputs) {
		return &DecodeError{Kind: DecodeErrBounds, Field: "unlocks", Detail: "count must match inputs"}
	}
	for i, u := range t.Unlocks {
		if u.UnlockKind == UnlockReference {
			if int(u.Reference) >= i {
				return &DecodeError{Kind: DecodeErrBounds, Field: "unlocks", Detail: "reference unlock must point to a strictly earlier index"}
			}
			if t.Unlocks[u.Reference].UnlockKind != UnlockSignature {
				return &DecodeError{Kind: DecodeErrBounds, Field: "unlocks", Detail: "reference unlock must target a signature unlock"}
			}
		}
	}
	return nil
}

func decodeTransactionPayload(r *reader) (*TransactionPayload, error) {
	essence, err := decodeEssence(r)
	if err != nil {
		return nil, err
	}
	unlockCount, err := r.readU16()
	if err != nil {
		return nil, err
	}
	unlocks := make([]Unlock, unlockCount)
	for i := range unlocks {
		u, err := decodeUnlock(r)
		if err != nil {
			return nil, err
		}
		unlocks[i] = u
	}
	t := &TransactionPayload{Essence: essence, Unlocks: unlocks}
	if err := t.ValidateUnlocks(); err != nil {
		return nil, err
	}
	return t, nil
}
