// Package escrow derives the ledger addresses of escrow accounts.  The
// settlement program owns one account per reservation, addressed by a
// program-derived address (PDA): a SHA-256 hash of the seeds, a bump byte
// and the program id that deliberately falls off the ed25519 curve so no
// private key can exist for it.  Because the address is a pure function of
// its seeds it doubles as an idempotency key for reservation creation.
package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Seed tags fixed by the deployed escrow program.
const (
	ReservationSeed = "reservation"
	ProviderSeed    = "salon"
)

const (
	maxSeeds   = 16
	maxSeedLen = 32
	pdaMarker  = "ProgramDerivedAddress"
)

var (
	// ErrInvalidKey is returned for identities that are not base58
	// encoded 32-byte keys.
	ErrInvalidKey = errors.New("invalid ledger key")
	// ErrInvalidSeeds is returned when the seeds exceed program limits or
	// no bump produces an off-curve address.
	ErrInvalidSeeds = errors.New("invalid seeds for program address")
)

// PublicKey is a 32-byte ledger account identity.
type PublicKey [32]byte

// ParsePublicKey decodes a base58 identity.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidKey, s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// String returns the base58 form of the key.
func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// IsOnCurve reports whether b is a valid compressed ed25519 point.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds (the last of which is normally the
// bump) with the program id.  It fails when the result lies on the curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	var out PublicKey
	if len(seeds) > maxSeeds {
		return out, fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLen {
			return out, fmt.Errorf("%w: seed of %d bytes", ErrInvalidSeeds, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))
	copy(out[:], h.Sum(nil))
	if IsOnCurve(out[:]) {
		return PublicKey{}, ErrInvalidSeeds
	}
	return out, nil
}

// FindProgramAddress searches bumps from 255 downwards and returns the
// first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	if len(seeds) >= maxSeeds {
		return PublicKey{}, 0, fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if err != ErrInvalidSeeds {
			// seed length violation, no bump can fix it
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrInvalidSeeds
}

// Deriver derives escrow addresses for one deployed program.
type Deriver struct {
	ProgramID PublicKey
}

// NewDeriver parses the program id.
func NewDeriver(programID string) (*Deriver, error) {
	pk, err := ParsePublicKey(programID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	return &Deriver{ProgramID: pk}, nil
}

// ProviderEscrow returns the provider account derived from the owner wallet.
func (d *Deriver) ProviderEscrow(owner string) (PublicKey, error) {
	ownerKey, err := ParsePublicKey(owner)
	if err != nil {
		return PublicKey{}, err
	}
	addr, _, err := FindProgramAddress([][]byte{[]byte(ProviderSeed), ownerKey[:]}, d.ProgramID)
	return addr, err
}

// Derive returns the escrow address for a (client, provider escrow,
// appointment) triple under seedTag.  The appointment is encoded as a
// little-endian int64 of Unix seconds, matching the program's seeds.
func (d *Deriver) Derive(seedTag, clientID, providerEscrowID string, appointmentUnix int64) (string, error) {
	client, err := ParsePublicKey(clientID)
	if err != nil {
		return "", fmt.Errorf("client: %w", err)
	}
	providerEscrow, err := ParsePublicKey(providerEscrowID)
	if err != nil {
		return "", fmt.Errorf("provider escrow: %w", err)
	}
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(appointmentUnix))
	addr, _, err := FindProgramAddress([][]byte{[]byte(seedTag), client[:], providerEscrow[:], ts[:]}, d.ProgramID)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// ReservationAddress derives the escrow of a reservation from the client
// wallet, the provider owner wallet and the appointment time.
func (d *Deriver) ReservationAddress(client, providerOwner string, appointmentUnix int64) (string, error) {
	providerEscrow, err := d.ProviderEscrow(providerOwner)
	if err != nil {
		return "", fmt.Errorf("provider: %w", err)
	}
	return d.Derive(ReservationSeed, client, providerEscrow.String(), appointmentUnix)
}

// Bytes returns a copy of the key bytes.
func (pk PublicKey) Bytes() []byte {
	b := make([]byte, len(pk))
	copy(b, pk[:])
	return b
}
